package shell

import (
	"fmt"
	"strings"

	"github.com/osforge/imagetools/internal/logger"
	"github.com/sirupsen/logrus"
)

// LogDisabledLevel disables output logging for a stream when passed to LogLevel.
const LogDisabledLevel = logrus.Level(255)

// ExecBuilder constructs a command invocation with fine-grained control over stdin,
// output log levels, and how much stderr is folded into a returned error.
type ExecBuilder struct {
	program          string
	args             []string
	stdin            string
	stdoutLogLevel   logrus.Level
	stderrLogLevel   logrus.Level
	stdoutCallback   func(line string)
	warnLogLines     int
	errorStderrLines int
}

func NewExecBuilder(program string, args ...string) ExecBuilder {
	return ExecBuilder{
		program:        program,
		args:           args,
		stdoutLogLevel: logrus.DebugLevel,
		stderrLogLevel: logrus.WarnLevel,
	}
}

// Stdin supplies the string as the child's stdin.
func (b ExecBuilder) Stdin(value string) ExecBuilder {
	b.stdin = value
	return b
}

// LogLevel sets the levels at which the child's stdout and stderr lines are logged.
func (b ExecBuilder) LogLevel(stdoutLevel, stderrLevel logrus.Level) ExecBuilder {
	b.stdoutLogLevel = stdoutLevel
	b.stderrLogLevel = stderrLevel
	return b
}

// StdoutCallback registers a callback invoked for every stdout line, in addition to logging.
func (b ExecBuilder) StdoutCallback(callback func(line string)) ExecBuilder {
	b.stdoutCallback = callback
	return b
}

// WarnLogLines re-logs the last n output lines at warn level if the command fails.
func (b ExecBuilder) WarnLogLines(lines int) ExecBuilder {
	b.warnLogLines = lines
	return b
}

// ErrorStderrLines folds the last n stderr lines into the returned error message.
func (b ExecBuilder) ErrorStderrLines(lines int) ExecBuilder {
	b.errorStderrLines = lines
	return b
}

// Execute runs the command, discarding captured output.
func (b ExecBuilder) Execute() error {
	_, _, err := b.execute(false)
	return err
}

// ExecuteCaptureOuput runs the command and returns the captured stdout and stderr.
func (b ExecBuilder) ExecuteCaptureOuput() (stdout, stderr string, err error) {
	return b.execute(true)
}

func (b ExecBuilder) execute(captureOutput bool) (stdout, stderr string, err error) {
	var stdoutBuilder, stderrBuilder strings.Builder
	var stderrTail []string

	onStdout := func(line string) {
		b.logLine(b.stdoutLogLevel, line)
		if b.stdoutCallback != nil {
			b.stdoutCallback(line)
		}
		if captureOutput {
			stdoutBuilder.WriteString(line)
			stdoutBuilder.WriteString("\n")
		}
	}

	onStderr := func(line string) {
		b.logLine(b.stderrLogLevel, line)
		if b.errorStderrLines > 0 {
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > b.errorStderrLines {
				stderrTail = stderrTail[1:]
			}
		}
		if captureOutput {
			stderrBuilder.WriteString(line)
			stderrBuilder.WriteString("\n")
		}
	}

	execErr := executeWithStdinAndCallbacks(b.stdin, onStdout, onStderr, b.warnLogLines > 0,
		b.program, b.args...)

	stdout = stdoutBuilder.String()
	stderr = stderrBuilder.String()
	if execErr != nil {
		if len(stderrTail) > 0 {
			err = fmt.Errorf("%s\n%w", strings.Join(stderrTail, "\n"), execErr)
		} else {
			err = execErr
		}
		return
	}

	return
}

func (b ExecBuilder) logLine(level logrus.Level, line string) {
	if level == LogDisabledLevel {
		return
	}
	logger.Log.Log(level, line)
}

func executeWithStdinAndCallbacks(stdin string, onStdout, onStderr func(line string),
	printOutputOnError bool, program string, args ...string,
) error {
	if stdin == "" {
		return ExecuteLiveWithCallback(onStdout, onStderr, printOutputOnError, program, args...)
	}

	logger.Log.Debugf("Executing: %s %s", program, strings.Join(args, " "))

	cmd := newCommandWithStdin(stdin, program, args...)

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

	done := make(chan struct{})
	go func() {
		scanLines(stdoutPipe, onStdout)
		close(done)
	}()
	scanLines(stderrPipe, onStderr)
	<-done

	err = finishTracked(cmd)
	if err != nil {
		return fmt.Errorf("failed to execute %s: %w", program, err)
	}

	return nil
}
