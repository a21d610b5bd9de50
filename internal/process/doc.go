// Package process runs device shell commands.
//
// Every device operation in shellbridge boils down to a shell command:
// reading state, switching on or off, and running workflow steps. This
// package is the only place those commands are executed.
//
// Features:
//   - Synchronous execution (Run) for probes that must block the caller
//   - Asynchronous execution (Start) with a completion callback
//   - Exit code 0 is success; anything else is an *ExitError carrying stderr
//   - Each command runs in its own process group so a hard timeout or
//     shutdown kills the whole pipeline, not just the shell
//
// Example usage:
//
//	r := process.NewRunner(process.Config{Shell: "/bin/sh", Timeout: 2 * time.Minute})
//	defer r.Close()
//
//	res, err := r.Run(ctx, "/opt/clue/bin/setup -g service -e mcpi")
//	if err != nil {
//	    var exitErr *process.ExitError
//	    if errors.As(err, &exitErr) {
//	        log.Printf("stderr: %s", exitErr.Stderr)
//	    }
//	}
//
//	r.Start("sleep 8; echo done", func(res process.Result, err error) {
//	    // runs on a runner goroutine
//	})
package process
