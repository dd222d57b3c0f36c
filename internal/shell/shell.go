// Package shell runs external tools and captures their output. Every external tool
// invocation in this repository goes through this package so that logging and error
// reporting stay uniform.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWarnLogLines is the number of trailing output lines re-logged at warn level
	// when a command fails.
	DefaultWarnLogLines = 1500
)

var (
	activeCommandsMutex sync.Mutex
	activeCommands      = map[*exec.Cmd]bool{}
)

// Execute runs the program with the given args and returns its captured stdout and stderr.
// A non-zero exit status is returned as an error; the caller decides whether to surface
// the captured stderr in its own error message.
func Execute(program string, args ...string) (stdout, stderr string, err error) {
	return ExecuteWithStdin("", program, args...)
}

// ExecuteWithStdin is Execute with the given string supplied on the child's stdin.
func ExecuteWithStdin(input, program string, args ...string) (stdout, stderr string, err error) {
	logger.Log.Debugf("Executing: %s %s", program, strings.Join(args, " "))

	cmd := newCommandWithStdin(input, program, args...)

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = trackedRun(cmd)
	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		err = fmt.Errorf("failed to execute %s: %w", program, err)
	}
	return
}

// ExecuteLive runs the program, streaming its output to the log as it is produced.
// If squashErrors is set, the child's stderr is logged at debug level instead of warn.
func ExecuteLive(squashErrors bool, program string, args ...string) error {
	onStdout := func(line string) {
		logger.Log.Debug(line)
	}

	onStderr := func(line string) {
		if squashErrors {
			logger.Log.Debug(line)
		} else {
			logger.Log.Warn(line)
		}
	}

	return ExecuteLiveWithCallback(onStdout, onStderr, false, program, args...)
}

// ExecuteLiveWithErr is ExecuteLive, but on failure the error includes the last
// stderrLines lines of the child's stderr.
func ExecuteLiveWithErr(stderrLines int, program string, args ...string) error {
	return NewExecBuilder(program, args...).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(stderrLines).
		Execute()
}

// ExecuteLiveWithCallback runs the program, invoking the callbacks for each line of output.
func ExecuteLiveWithCallback(onStdout, onStderr func(line string), printOutputOnError bool,
	program string, args ...string,
) error {
	logger.Log.Debugf("Executing: %s %s", program, strings.Join(args, " "))

	cmd := exec.Command(program, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe for %s:\n%w", program, err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe for %s:\n%w", program, err)
	}

	err = startTracked(cmd)
	if err != nil {
		return fmt.Errorf("failed to start %s:\n%w", program, err)
	}

	var tail []string
	var tailMutex sync.Mutex
	appendTail := func(line string) {
		tailMutex.Lock()
		defer tailMutex.Unlock()
		tail = append(tail, line)
		if len(tail) > DefaultWarnLogLines {
			tail = tail[1:]
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutPipe, func(line string) {
			appendTail(line)
			onStdout(line)
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrPipe, func(line string) {
			appendTail(line)
			onStderr(line)
		})
	}()
	wg.Wait()

	err = finishTracked(cmd)
	if err != nil {
		if printOutputOnError {
			tailMutex.Lock()
			for _, line := range tail {
				logger.Log.Warn(line)
			}
			tailMutex.Unlock()
		}
		return fmt.Errorf("failed to execute %s: %w", program, err)
	}

	return nil
}

func scanLines(reader io.Reader, onLine func(line string)) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
}

func newCommandWithStdin(stdin, program string, args ...string) *exec.Cmd {
	cmd := exec.Command(program, args...)
	cmd.Stdin = strings.NewReader(stdin)
	return cmd
}

func trackedRun(cmd *exec.Cmd) error {
	err := startTracked(cmd)
	if err != nil {
		return err
	}
	return finishTracked(cmd)
}

func startTracked(cmd *exec.Cmd) error {
	err := cmd.Start()
	if err != nil {
		return err
	}

	activeCommandsMutex.Lock()
	activeCommands[cmd] = true
	activeCommandsMutex.Unlock()
	return nil
}

func finishTracked(cmd *exec.Cmd) error {
	err := cmd.Wait()

	activeCommandsMutex.Lock()
	delete(activeCommands, cmd)
	activeCommandsMutex.Unlock()
	return err
}

// PermanentlyStopAllChildProcesses kills every tracked child process. Used by
// interrupt handlers so that a cancelled build does not leave tools running against
// half-torn-down mounts.
func PermanentlyStopAllChildProcesses() {
	activeCommandsMutex.Lock()
	defer activeCommandsMutex.Unlock()

	for cmd := range activeCommands {
		if cmd.Process == nil {
			continue
		}
		logger.Log.Warnf("Stopping process %s (%d)", cmd.Path, cmd.Process.Pid)
		err := cmd.Process.Kill()
		if err != nil {
			logger.Log.Warnf("Failed to stop process (%d): %v", cmd.Process.Pid, err)
		}
	}
}
