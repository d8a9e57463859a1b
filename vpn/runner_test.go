package vpn

import (
	"context"
	"sync"

	"github.com/rjeffmyers/vpnrdp/process"
)

// fakeRunner records commands. Run answers from canned results keyed by
// the first argument; Start runs script under sh so the process is real.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []process.Command
	results map[string]process.Result
	runErr  map[string]error
	script  string
	lookErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]process.Result),
		runErr:  make(map[string]error),
	}
}

func (f *fakeRunner) Run(ctx context.Context, cmd process.Command) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	key := ""
	if len(cmd.Args) > 0 {
		key = cmd.Args[0]
	}
	return f.results[key], f.runErr[key]
}

func (f *fakeRunner) Start(cmd process.Command, onLine process.LineHandler) (*process.Process, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	script := f.script
	f.mu.Unlock()
	return process.ExecRunner{}.Start(process.Command{Name: "sh", Args: []string{"-c", script}}, onLine)
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.lookErr != nil {
		return "", f.lookErr
	}
	return "/usr/sbin/" + name, nil
}

func (f *fakeRunner) lastCall() process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// argsFor returns the arguments of every recorded call whose first argument
// is sub.
func (f *fakeRunner) argsFor(sub string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if len(c.Args) > 0 && c.Args[0] == sub {
			out = append(out, c.Args)
		}
	}
	return out
}
