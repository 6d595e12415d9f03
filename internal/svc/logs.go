package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions selects which service logs to show.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs shows the service's logs with the platform's log tool.
func ViewLogs(opts LogOptions) error {
	name, args, err := logCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logCommand returns the program and arguments that print the logs on goos.
func logCommand(goos string, opts LogOptions) (string, []string, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName))
		return "tail", args, nil
	case "windows":
		if opts.Follow {
			return "", nil, fmt.Errorf("following logs is not supported on windows")
		}
		script := fmt.Sprintf(`Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap`,
			opts.ServiceName, opts.Lines)
		return "powershell", []string{"-NoProfile", "-Command", script}, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
