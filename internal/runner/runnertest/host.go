// Package runnertest provides an in-memory runner.Host for tests.
package runnertest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/spf13/afero"
)

// FakeHost records every call and fails on demand. Extract writes a
// marker file so directories look like real runners.
type FakeHost struct {
	Fs afero.Fs

	mu       sync.Mutex
	calls    map[string][]string
	failures map[string]map[string]error
	logs     map[string]string
	running  map[string]bool
}

// NewFakeHost creates a fake host writing to fs
func NewFakeHost(fs afero.Fs) *FakeHost {
	return &FakeHost{
		Fs:       fs,
		calls:    map[string][]string{},
		failures: map[string]map[string]error{},
		logs:     map[string]string{},
		running:  map[string]bool{},
	}
}

// Fail makes op fail for the runner id. An empty id fails op for every runner.
func (h *FakeHost) Fail(op, id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures[op] == nil {
		h.failures[op] = map[string]error{}
	}
	h.failures[op][id] = err
}

// SetLastLogLine sets what ReadLastLogLine returns for id
func (h *FakeHost) SetLastLogLine(id, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs[id] = line
}

// Calls returns the runner ids op was called for, in call order
func (h *FakeHost) Calls(op string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls[op]...)
}

// Count returns how many times op was called for id
func (h *FakeHost) Count(op, id string) int {
	n := 0
	for _, c := range h.Calls(op) {
		if c == id {
			n++
		}
	}
	return n
}

// Running reports whether the service of id is started
func (h *FakeHost) Running(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running[id]
}

func (h *FakeHost) record(op, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[op] = append(h.calls[op], id)
	if errs, ok := h.failures[op]; ok {
		if err, ok := errs[id]; ok {
			return err
		}
		if err, ok := errs[""]; ok {
			return err
		}
	}
	return nil
}

func idFromDir(dir string) string {
	base := filepath.Base(dir)
	if len(base) > len(runner.NamePrefix) {
		return base[len(runner.NamePrefix):]
	}
	return base
}

func (h *FakeHost) Extract(_ context.Context, archivePath, destDir string) error {
	if err := h.record("extract", idFromDir(destDir)); err != nil {
		return err
	}
	return afero.WriteFile(h.Fs, filepath.Join(destDir, "config.sh"), []byte(archivePath), 0o755)
}

func (h *FakeHost) Register(_ context.Context, reg runner.Registration) error {
	if reg.Token == "" {
		return fmt.Errorf("empty registration token")
	}
	return h.record("register", reg.Service.ID)
}

func (h *FakeHost) RemoveRegistration(_ context.Context, svc runner.Service, _ string) error {
	return h.record("remove", svc.ID)
}

func (h *FakeHost) InstallService(_ context.Context, svc runner.Service) error {
	return h.record("install", svc.ID)
}

func (h *FakeHost) StartService(_ context.Context, svc runner.Service) error {
	if err := h.record("start", svc.ID); err != nil {
		return err
	}
	h.mu.Lock()
	h.running[svc.ID] = true
	h.mu.Unlock()
	return nil
}

func (h *FakeHost) StopService(_ context.Context, svc runner.Service) error {
	if err := h.record("stop", svc.ID); err != nil {
		return err
	}
	h.mu.Lock()
	h.running[svc.ID] = false
	h.mu.Unlock()
	return nil
}

func (h *FakeHost) UninstallService(_ context.Context, svc runner.Service) error {
	return h.record("uninstall", svc.ID)
}

func (h *FakeHost) ReadLastLogLine(_ context.Context, svc runner.Service) (string, error) {
	if err := h.record("log", svc.ID); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logs[svc.ID], nil
}

// SequentialIDs returns an id generator yielding 32 char ids made of prefix
// and a zero padded counter, so ids sort in creation order
func SequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%0*d", prefix, 32-len(prefix), n)
	}
}
