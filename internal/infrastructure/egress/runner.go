package egress

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"stagelink/internal/core/domain"

	"go.uber.org/zap"
)

// ProcessSpec describes one segmenter invocation.
type ProcessSpec struct {
	RoomID          domain.RoomID
	OutputDir       string
	SegmentDuration time.Duration
	PlaylistLength  int
	Taps            []domain.ProducerTap
}

// Process is a running segmenter.
type Process interface {
	// Done closes when the process exits; Err then reports the exit error.
	Done() <-chan struct{}
	Err() error
	// Stop asks the process to exit, killing it after the timeout.
	Stop(timeout time.Duration) error
}

// ProcessRunner launches segmenter processes. Injected so tests can run
// the controller without ffmpeg installed.
type ProcessRunner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// FFmpegRunner runs ffmpeg reading the producer taps via an SDP session
// description and writing an HLS playlist plus segments.
type FFmpegRunner struct {
	binaryPath string
	logger     *zap.SugaredLogger
}

func NewFFmpegRunner(binaryPath string, logger *zap.SugaredLogger) *FFmpegRunner {
	return &FFmpegRunner{binaryPath: binaryPath, logger: logger}
}

func (r *FFmpegRunner) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	roomDir := filepath.Join(spec.OutputDir, string(spec.RoomID))
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	sdpPath := filepath.Join(roomDir, "session.sdp")
	if err := os.WriteFile(sdpPath, []byte(sessionDescription(spec.Taps)), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write session description: %w", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
	}
	for _, tp := range spec.Taps {
		if tp.Kind == domain.KindVideo {
			args = append(args, "-c:v", "copy")
		} else {
			args = append(args, "-c:a", "aac", "-b:a", "128k")
		}
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", int(spec.SegmentDuration.Seconds())),
		"-hls_list_size", fmt.Sprintf("%d", spec.PlaylistLength),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(roomDir, "segment_%05d.ts"),
		filepath.Join(roomDir, "index.m3u8"),
	)

	cmd := exec.Command(r.binaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start segmenter: %w", err)
	}

	r.logger.Infow("segmenter started",
		"room_id", spec.RoomID,
		"pid", cmd.Process.Pid,
		"taps", len(spec.Taps),
	)

	p := &ffmpegProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type ffmpegProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Err() error {
	<-p.done
	return p.err
}

func (p *ffmpegProcess) Stop(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return p.cmd.Process.Kill()
	}
}
