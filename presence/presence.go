// Package presence announces the signed-in user on the local network
// via mDNS and keeps a best-effort view of which other users are
// reachable. It only overlays an online flag on the conversation list;
// no messages travel over it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_bwesunchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultStaleAfter is how long a user stays online after the last
	// sighting. Covers the gap between scans.
	DefaultStaleAfter = 30 * time.Second
	// DefaultAnnouncePort is the advertised port. The client accepts no
	// connections; mDNS just requires a positive value.
	DefaultAnnouncePort = 42424
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcement and scanning behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	StaleAfter      time.Duration

	// LocalUserID is announced in the TXT record and excluded from the
	// online view. Required.
	LocalUserID string
	// InstanceName defaults to the hostname.
	InstanceName string
	AnnouncePort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.AnnouncePort <= 0 {
		out.AnnouncePort = DefaultAnnouncePort
	}
	if out.InstanceName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			out.InstanceName = host
		} else {
			out.InstanceName = out.LocalUserID
		}
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Service announces the local user and scans for others.
type Service struct {
	cfg    Config
	server *zeroconf.Server
	browse browseFunc

	mu       sync.RWMutex
	lastSeen map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once

	refreshRequests chan refreshRequest
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Start registers the mDNS announcement and begins background scanning.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.LocalUserID) == "" {
		return nil, errors.New("presence: local user id is required")
	}

	txt := []string{"user_id=" + cfg.LocalUserID}
	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.AnnouncePort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			if server != nil {
				server.Shutdown()
			}
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:             cfg,
		server:          server,
		browse:          browse,
		lastSeen:        make(map[string]time.Time),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Stop withdraws the announcement and stops scanning. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.server != nil {
			s.server.Shutdown()
		}
	})
}

// Online reports whether userID was sighted recently. Never the local
// user, who is excluded at parse time.
func (s *Service) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen, ok := s.lastSeen[userID]
	return ok && time.Since(seen) < s.cfg.StaleAfter
}

// OnlineUsers returns the sorted ids of all recently sighted users.
func (s *Service) OnlineUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.lastSeen))
	for id, seen := range s.lastSeen {
		if time.Since(seen) < s.cfg.StaleAfter {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *Service) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("presence: service is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("presence: service is stopped")
	}
}

func (s *Service) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	sighted := make(map[string]time.Time)
	var sightedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				userID, ok := parseEntry(entry, s.cfg.LocalUserID)
				if !ok {
					continue
				}
				sightedMu.Lock()
				sighted[userID] = time.Now()
				sightedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	sightedMu.Lock()
	scanned := sighted
	sightedMu.Unlock()
	s.merge(scanned)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// merge folds a scan result into the sighting map and drops entries
// past the staleness window.
func (s *Service) merge(scanned map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seen := range scanned {
		s.lastSeen[id] = seen
	}
	for id, seen := range s.lastSeen {
		if time.Since(seen) >= s.cfg.StaleAfter {
			delete(s.lastSeen, id)
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, localUserID string) (string, bool) {
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) != "user_id" {
			continue
		}
		userID := strings.TrimSpace(parts[1])
		if userID == "" || userID == localUserID {
			return "", false
		}
		return userID, true
	}
	return "", false
}
