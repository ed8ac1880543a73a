package tunnel

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running tunnel subprocess.
type Process interface {
	Pid() int
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Terminate asks the process group to exit.
	Terminate() error
	// Kill force-stops the process group.
	Kill() error
}

// Spawner starts argv as a Process.
type Spawner func(argv []string) (Process, error)

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	done   chan struct{}
}

// Spawn starts argv in its own process group with its output on pipes. The
// pipes are plain files so reading them never races with Wait.
func Spawn(argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcessGroup(cmd)

	err = cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, err
	}

	p := &execProcess{cmd: cmd, stdout: outR, stderr: errR, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Terminate() error {
	if p.exited() {
		return nil
	}
	return terminateGroup(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	if p.exited() {
		return nil
	}
	return killGroup(p.cmd.Process)
}

func (p *execProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
