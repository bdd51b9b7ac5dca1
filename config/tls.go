package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig holds PEM paths for mutual TLS between peers.
type TLSConfig struct {
	CACert     string `json:"ca_cert"`
	NodeCert   string `json:"node_cert"`
	NodeKey    string `json:"node_key"`
	ServerName string `json:"server_name,omitempty"` // name peers' certificates are issued for
}

// LoadTLSConfig builds a *tls.Config that both presents the node
// certificate and requires one from every peer. It returns (nil, nil) when
// no paths are set, meaning plain TCP.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || (cfg.CACert == "" && cfg.NodeCert == "" && cfg.NodeKey == "") {
		return nil, nil
	}
	if cfg.CACert == "" || cfg.NodeCert == "" || cfg.NodeKey == "" {
		return nil, errors.New("tls: ca_cert, node_cert and node_key must all be set")
	}

	cert, err := tls.LoadX509KeyPair(cfg.NodeCert, cfg.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("load node cert/key: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("tls: no certificate found in CA file")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		RootCAs:      pool,
		ServerName:   cfg.ServerName,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
