package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dray-io/fdbexporter/internal/logging"
)

// TLSConfig selects the key pair served by the HTTP listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string

	// ReloadInterval is how often the files are checked for changes when
	// file notifications are unavailable. Default: 30s.
	ReloadInterval time.Duration
}

// Enabled reports whether both halves of the key pair are set.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// CertReloader serves a certificate that is swapped in place when the
// files on disk change.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	logger   *logging.Logger
	mu       sync.Mutex
	lastMod  time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
}

// NewCertReloader loads the key pair and returns a reloader serving it.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := r.loadCertificate(); err != nil {
		return nil, fmt.Errorf("load initial certificate: %w", err)
	}
	r.lastMod = r.latestModTime()

	return r, nil
}

func (r *CertReloader) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate pair: %w", err)
	}

	r.cert.Store(&cert)
	r.logger.Infof("TLS certificate loaded", map[string]any{
		"certFile": r.certFile,
		"keyFile":  r.keyFile,
	})
	return nil
}

// GetCertificate implements the tls.Config GetCertificate callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}

// Reload reads the key pair from disk again. On failure the previous
// certificate stays in use.
func (r *CertReloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadCertificate(); err != nil {
		r.logger.Errorf("failed to reload certificate", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

// StartWatcher reloads the certificate whenever either file changes. It
// watches the containing directories for notifications and also compares
// modification times every checkInterval.
func (r *CertReloader) StartWatcher(checkInterval time.Duration) {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if !r.started.CompareAndSwap(false, true) {
		return
	}

	var events <-chan fsnotify.Event
	fw, err := r.notifier()
	if err != nil {
		r.logger.Warnf("certificate notifications unavailable, polling only", map[string]any{"error": err.Error()})
	} else {
		events = fw.Events
	}

	go func() {
		defer close(r.doneCh)
		if fw != nil {
			defer fw.Close()
		}
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Name != r.certFile && ev.Name != r.keyFile {
					continue
				}
			case <-ticker.C:
			}
			latest, changed := r.changed()
			if !changed {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warnf("certificate reload failed", map[string]any{"error": err.Error()})
				continue
			}
			r.mu.Lock()
			r.lastMod = latest
			r.mu.Unlock()
		}
	}()

	r.logger.Infof("certificate watcher started", map[string]any{"interval": checkInterval.String()})
}

func (r *CertReloader) notifier() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return fw, nil
}

func (r *CertReloader) latestModTime() time.Time {
	var latest time.Time
	for _, path := range []string{r.certFile, r.keyFile} {
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

// changed reports whether either file is newer than the last successful
// load. A half-written pair fails to load and is retried on the next
// change or tick.
func (r *CertReloader) changed() (time.Time, bool) {
	latest := r.latestModTime()
	if latest.IsZero() {
		return latest, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return latest, latest.After(r.lastMod)
}

// Stop ends the watcher goroutine. It is safe to call when StartWatcher
// was never called.
func (r *CertReloader) Stop() {
	select {
	case <-r.stopCh:
		return
	default:
		close(r.stopCh)
	}
	if r.started.Load() {
		<-r.doneCh
	}
}

// NewTLSListener listens on addr and wraps the listener in TLS served by a
// CertReloader, which is returned for hot reloading.
func NewTLSListener(addr string, tlsCfg TLSConfig, logger *logging.Logger) (net.Listener, *CertReloader, error) {
	if !tlsCfg.Enabled() {
		return nil, nil, errors.New("certificate and key files are required")
	}

	reloader, err := NewCertReloader(tlsCfg.CertFile, tlsCfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}

	config := &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return tls.NewListener(ln, config), reloader, nil
}
