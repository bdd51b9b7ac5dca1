package network

import (
	"encoding/json"

	"go.uber.org/zap"
)

// maxSyncBatch caps how many blocks one get_blocks answer carries.
const maxSyncBatch = 200

func (a *Agent) requestBlocks(p *Peer, from int64) {
	msg, err := encode(MsgGetBlocks, GetBlocks{FromHeight: from, Limit: a.cfg.SyncBatch})
	if err != nil {
		a.log.Error("encode get_blocks", zap.Error(err))
		return
	}
	if err := p.Enqueue(msg); err != nil {
		a.log.Debug("request blocks", zap.String("peer", p.Key), zap.Error(err))
		return
	}
	a.log.Debug("requested blocks", zap.String("peer", p.Key), zap.Int64("from", from))
}

func (a *Agent) onGetBlocks(p *Peer, msg Message) {
	var req GetBlocks
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		a.Penalize(p.Key, "malformed get_blocks")
		return
	}
	if req.Limit <= 0 || req.Limit > maxSyncBatch {
		req.Limit = a.cfg.SyncBatch
	}
	if req.FromHeight < 1 {
		req.FromHeight = 1
	}
	resp := Blocks{}
	for h := req.FromHeight; h < req.FromHeight+int64(req.Limit); h++ {
		b, err := a.source.GetBlockByHeight(h)
		if err != nil {
			break
		}
		resp.Blocks = append(resp.Blocks, b)
	}
	out, err := encode(MsgBlocks, resp)
	if err != nil {
		a.log.Error("encode blocks", zap.Error(err))
		return
	}
	if err := p.Enqueue(out); err != nil {
		a.log.Debug("send blocks", zap.String("peer", p.Key), zap.Error(err))
	}
}

// onBlocks delivers a sync batch in height order and asks for the next
// batch while the peer is still ahead.
func (a *Agent) onBlocks(p *Peer, msg Message) {
	var resp Blocks
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		a.Penalize(p.Key, "malformed blocks")
		return
	}
	if len(resp.Blocks) > maxSyncBatch {
		a.Penalize(p.Key, "oversized blocks batch")
		return
	}
	var last int64
	for _, b := range resp.Blocks {
		if b == nil {
			a.Penalize(p.Key, "nil block in batch")
			return
		}
		last = b.Height()
		key := blockKey(b.Hash)
		if !a.firstSight(key) {
			continue
		}
		if a.sink == nil || !a.sink.DeliverBlock(p.Key, b, true) {
			a.seen.Remove(key)
			a.m.GossipDropped.WithLabelValues("inbox_full").Inc()
			return
		}
	}
	if len(resp.Blocks) >= a.cfg.SyncBatch && p.Height() > last {
		a.requestBlocks(p, last+1)
	}
}
