package process

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRunner_Defaults(t *testing.T) {
	r := NewRunner(Config{})
	defer r.Close()

	if r.config.Shell != "/bin/sh" {
		t.Errorf("Shell = %q, want %q", r.config.Shell, "/bin/sh")
	}
	if r.config.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v, want %v", r.config.Timeout, 2*time.Minute)
	}
	if r.config.GracePeriod != 2*time.Second {
		t.Errorf("GracePeriod = %v, want %v", r.config.GracePeriod, 2*time.Second)
	}
}

func TestRunner_Run(t *testing.T) {
	r := NewRunner(Config{})
	defer r.Close()

	tests := []struct {
		name       string
		command    string
		wantOutput string
		wantCode   int
		wantErr    bool
		wantStderr string
	}{
		{
			name:       "success",
			command:    "echo running",
			wantOutput: "running",
		},
		{
			name:       "pipeline",
			command:    "printf 'A\\nB\\n' | tail -n 1",
			wantOutput: "B",
		},
		{
			name:       "non-zero exit",
			command:    "echo broken >&2; exit 3",
			wantCode:   3,
			wantErr:    true,
			wantStderr: "broken\n",
		},
		{
			name:     "missing binary",
			command:  "/nonexistent/tool -s",
			wantCode: 127,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := res.Output(); got != tt.wantOutput {
				t.Errorf("Output() = %q, want %q", got, tt.wantOutput)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if !tt.wantErr {
				return
			}
			var exitErr *ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("error type = %T, want *ExitError", err)
			}
			if exitErr.Code != tt.wantCode {
				t.Errorf("ExitError.Code = %d, want %d", exitErr.Code, tt.wantCode)
			}
			if tt.wantStderr != "" && exitErr.Stderr != tt.wantStderr {
				t.Errorf("ExitError.Stderr = %q, want %q", exitErr.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestRunner_RunEmptyCommand(t *testing.T) {
	r := NewRunner(Config{})
	defer r.Close()

	if _, err := r.Run(context.Background(), "   "); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Run() error = %v, want %v", err, ErrEmptyCommand)
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(Config{Timeout: 100 * time.Millisecond, GracePeriod: 100 * time.Millisecond})
	defer r.Close()

	start := time.Now()
	_, err := r.Run(context.Background(), "sleep 5 | cat")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want %v", err, ErrTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v, want the process group killed promptly", elapsed)
	}
}

func TestRunner_Start(t *testing.T) {
	r := NewRunner(Config{})
	defer r.Close()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	r.Start("echo async", func(res Result, err error) {
		done <- outcome{res, err}
	})

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("Start() callback error = %v", o.err)
		}
		if o.res.Output() != "async" {
			t.Errorf("Output() = %q, want %q", o.res.Output(), "async")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() callback never fired")
	}

	if got := r.Stats().Started; got != 1 {
		t.Errorf("Stats().Started = %d, want 1", got)
	}
}

func TestRunner_CloseKillsInFlight(t *testing.T) {
	r := NewRunner(Config{GracePeriod: 100 * time.Millisecond})

	done := make(chan error, 1)
	r.Start("sleep 30", func(_ Result, err error) {
		done <- err
	})

	// Give the process a moment to spawn.
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}

	if err := <-done; err == nil {
		t.Error("expected in-flight command to fail on Close")
	}

	if _, err := r.Run(context.Background(), "true"); !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("Run() after Close error = %v, want %v", err, ErrRunnerClosed)
	}

	called := false
	r.Start("true", func(_ Result, err error) {
		called = true
		if !errors.Is(err, ErrRunnerClosed) {
			t.Errorf("Start() after Close error = %v, want %v", err, ErrRunnerClosed)
		}
	})
	if !called {
		t.Error("Start() after Close must call done synchronously")
	}
}
