// Package bundle implements the Action Bundle Store: a read-only mapping
// from action name to pre-bundled JS source, resolved from a local
// directory probe with an optional S3-backed fallback for fleets that
// deploy bundles out of band.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/titanrun/titan/internal/pkg/fsutil"
)

// preferredExt and fallbackExt are tried in order for every action name.
const (
	preferredExt = ".jsbundle"
	fallbackExt  = ".js"
)

// Store serves action source text by name. Its in-memory map is replaced
// by Scan and by InvalidateAll (both driven by the Redis invalidation bus
// after startup), and Get adds each action it fetches from S3.
type Store struct {
	mu      sync.RWMutex
	root    string
	sources map[string]string

	s3Client *s3.Client
	s3Bucket string
}

// New creates a Store rooted at dir. If s3Client is non-nil, Get will
// fall back to s3Bucket for any action not in the in-memory map.
func New(dir string, s3Client *s3.Client, s3Bucket string) *Store {
	return &Store{
		root:     dir,
		sources:  make(map[string]string),
		s3Client: s3Client,
		s3Bucket: s3Bucket,
	}
}

// Scan walks root and loads every "<action>.jsbundle" or "<action>.js"
// file it finds into memory, preferring the bundled extension when both
// exist for the same action name.
func (s *Store) Scan() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("bundle: read dir %s: %w", s.root, err)
	}
	found := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var action string
		switch {
		case strings.HasSuffix(name, preferredExt):
			action = strings.TrimSuffix(name, preferredExt)
		case strings.HasSuffix(name, fallbackExt):
			action = strings.TrimSuffix(name, fallbackExt)
			if _, exists := found[action]; exists {
				continue // preferred extension already loaded for this action
			}
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			return fmt.Errorf("bundle: read %s: %w", name, err)
		}
		found[action] = string(data)
	}
	s.mu.Lock()
	s.sources = found
	s.mu.Unlock()
	return nil
}

// Get returns the source for action, consulting the in-memory map first
// and, on miss, the S3 fallback if one was configured.
func (s *Store) Get(ctx context.Context, action string) (string, error) {
	s.mu.RLock()
	src, ok := s.sources[action]
	s.mu.RUnlock()
	if ok {
		return src, nil
	}
	if s.s3Client == nil {
		return "", fmt.Errorf("bundle: action %q not found", action)
	}
	return s.getFromS3(ctx, action)
}

func (s *Store) getFromS3(ctx context.Context, action string) (string, error) {
	key := action + preferredExt
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.s3Bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("bundle: s3 fetch %s: %w", key, err)
	}
	defer out.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := out.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	src := string(buf)
	s.mu.Lock()
	s.sources[action] = src
	s.mu.Unlock()
	return src, nil
}

// InvalidateAll drops the in-memory cache, forcing the next Get of each
// action to re-resolve via Scan or S3. Called in response to a message on
// the invalidation bus.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.sources = make(map[string]string)
	s.mu.Unlock()
}

// Names returns every currently loaded action name, used to drive the
// static analyzer over the whole bundle set at startup.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for n := range s.sources {
		names = append(names, n)
	}
	return names
}

// Source returns the in-memory source for action without falling back to
// S3 — used by the startup analyzer pass, which only analyzes what Scan
// already found locally.
func (s *Store) Source(action string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[action]
	return src, ok
}

// ResolveDir probes, in order, an explicit override and a production
// container path (each used only if it is an existing directory), then
// fsutil.ResolveProjectRoot: the working directory if it holds a project
// marker, the executable's directory and its parents, and finally the
// working directory.
func ResolveDir(override, productionPath string) (string, error) {
	if override != "" {
		if info, err := os.Stat(override); err == nil && info.IsDir() {
			return override, nil
		}
	}
	if info, err := os.Stat(productionPath); err == nil && info.IsDir() {
		return productionPath, nil
	}
	root, err := fsutil.ResolveProjectRoot("")
	if err != nil {
		return "", err
	}
	return root, nil
}
