package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// TLSConfig describes the mTLS material for the internal listener.
type TLSConfig struct {
	Enabled  bool   `envconfig:"TLS_ENABLED" default:"false"`
	CertFile string `envconfig:"TLS_CERT_FILE" default:"/etc/certs/tls.crt"`
	KeyFile  string `envconfig:"TLS_KEY_FILE" default:"/etc/certs/tls.key"`
	CAFile   string `envconfig:"TLS_CA_FILE" default:"/etc/certs/ca.crt"`
}

// LoadTLSConfig builds a server-side mTLS configuration requiring client
// certificates signed by the configured CA.
func LoadTLSConfig(cfg *TLSConfig, logger *zap.Logger) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
	}

	logger.Info("TLS configuration loaded",
		zap.String("cert", cfg.CertFile),
		zap.String("ca", cfg.CAFile))

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// WatchCertificates reloads the TLS configuration whenever the certificate
// files change on disk (e.g. after a cert-manager rotation) and hands the
// fresh config to apply.
func WatchCertificates(cfg *TLSConfig, apply func(*tls.Config) error, logger *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("Failed to create certificate watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	// watch the directories: mounted secrets rotate via symlink swaps, which
	// replace rather than modify the files
	dirs := map[string]struct{}{}
	for _, f := range []string{cfg.CertFile, cfg.KeyFile, cfg.CAFile} {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Error("Failed to watch certificate directory",
				zap.String("dir", dir), zap.Error(err))
			return
		}
	}

	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				newCfg, err := LoadTLSConfig(cfg, logger)
				if err != nil {
					logger.Error("Certificate reload failed", zap.Error(err))
					return
				}
				if err := apply(newCfg); err != nil {
					logger.Error("Failed to apply reloaded certificates", zap.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("Certificate watcher error", zap.Error(err))
		}
	}
}
