package floofbot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var (
	ErrNotInVoice = errors.New("not in a voice channel")

	// dcaMagic starts a DCA1 stream, which has a metadata header before
	// the frames. DCA0 streams are bare frames.
	dcaMagic = []byte("DCA1")

	// opusSendTimeout is how long a frame can wait on the voice connection
	// before playback gives up
	opusSendTimeout = 5 * time.Second

	// pipelineExitGrace is how long a finished pipeline's processes get to
	// exit on their own before they're killed
	pipelineExitGrace = 5 * time.Second
)

// track is a song in a guild's queue
type track struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Duration    float64 `json:"duration"`
	RequesterID string  `json:"requester_id"`

	// ChannelID is the text channel the song was requested from, where
	// "Now Playing" is announced
	ChannelID string `json:"channel_id"`
}

// streamOpener returns a DCA stream for a track's URL
type streamOpener func(ctx context.Context, url string) (io.ReadCloser, error)

// player plays a single guild's queue, one track at a time
type player struct {
	guildID string
	music   *Music
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []*track
	current *track
	vc      VoiceConn
	running bool

	// cancelTrack stops the current track, moving on to the next one
	cancelTrack context.CancelFunc
}

func newPlayer(m *Music, guildID string) *player {
	return &player{
		guildID: guildID,
		music:   m,
		logger:  m.logger.With("guild_id", guildID),
	}
}

// connect joins the voice channel, unless already connected
func (p *player) connect(channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vc != nil {
		return nil
	}
	vc, err := p.music.bot.session().JoinVoice(p.guildID, channelID)
	if err != nil {
		return fmt.Errorf("error joining voice channel: %w", err)
	}
	p.vc = vc
	return nil
}

func (p *player) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vc != nil
}

// enqueue adds t to the queue. It returns true if the player was idle,
// and playback has started with t.
func (p *player) enqueue(t *track) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, t)
	if p.running {
		return false
	}
	p.running = true
	p.music.wg.Add(1)
	go func() {
		defer p.music.wg.Done()
		p.loop(p.music.ctx)
	}()
	return true
}

// next pops the next track, or marks the player idle if the queue is
// empty
func (p *player) next(ctx context.Context) (*track, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 || ctx.Err() != nil {
		p.running = false
		p.current = nil
		p.cancelTrack = nil
		return nil, nil, false
	}
	t := p.queue[0]
	p.queue = p.queue[1:]
	p.current = t
	trackCtx, cancel := context.WithCancel(ctx)
	p.cancelTrack = cancel
	return t, trackCtx, true
}

func (p *player) loop(ctx context.Context) {
	for {
		t, trackCtx, ok := p.next(ctx)
		if !ok {
			return
		}
		p.music.announce(ctx, t.ChannelID, nowPlayingEmbed(t))
		p.music.bot.metrics.songsPlayed.Inc()

		err := p.play(trackCtx, t)
		p.mu.Lock()
		if p.cancelTrack != nil {
			p.cancelTrack()
		}
		p.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.ErrorContext(ctx, "error playing song", tint.Err(err), "title", t.Title)
			p.music.announce(
				ctx,
				t.ChannelID,
				musicEmbed("Error", fmt.Sprintf("Error playing song: %s", err), discordColorRed),
			)
		}
	}
}

func (p *player) play(ctx context.Context, t *track) error {
	p.mu.Lock()
	vc := p.vc
	p.mu.Unlock()
	if vc == nil {
		return ErrNotInVoice
	}

	stream, err := p.music.openStream(ctx, t.URL)
	if err != nil {
		return err
	}
	defer func() {
		_ = stream.Close()
	}()

	if err = vc.Speaking(true); err != nil {
		p.logger.WarnContext(ctx, "unable to set speaking", tint.Err(err))
	}
	defer func() {
		_ = vc.Speaking(false)
	}()
	return sendDCA(ctx, stream, vc.OpusSend())
}

func (p *player) nowPlaying() *track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *player) upcoming() []track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]track, 0, len(p.queue))
	for _, t := range p.queue {
		out = append(out, *t)
	}
	return out
}

// skip stops the current track. It returns false if nothing was playing.
func (p *player) skip() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.cancelTrack == nil {
		return false
	}
	p.cancelTrack()
	return true
}

// stop clears the queue and stops the current track
func (p *player) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	if p.cancelTrack != nil {
		p.cancelTrack()
	}
}

// disconnect stops playback and leaves the voice channel
func (p *player) disconnect() error {
	p.stop()
	p.mu.Lock()
	vc := p.vc
	p.vc = nil
	p.mu.Unlock()
	if vc == nil {
		return ErrNotInVoice
	}
	return vc.Disconnect()
}

// sendDCA reads DCA frames from r and sends their opus payloads to out.
// A DCA1 metadata header is skipped if present.
func sendDCA(ctx context.Context, r io.Reader, out chan<- []byte) error {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(len(dcaMagic)); err == nil && bytes.Equal(magic, dcaMagic) {
		if _, err = br.Discard(len(dcaMagic)); err != nil {
			return err
		}
		var metaLen int32
		if err = binary.Read(br, binary.LittleEndian, &metaLen); err != nil {
			return fmt.Errorf("error reading dca header: %w", err)
		}
		if _, err = br.Discard(int(metaLen)); err != nil {
			return fmt.Errorf("error reading dca metadata: %w", err)
		}
	}

	timer := time.NewTimer(opusSendTimeout)
	defer timer.Stop()
	for {
		var frameLen int16
		if err := binary.Read(br, binary.LittleEndian, &frameLen); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("error reading frame length: %w", err)
		}
		if frameLen <= 0 {
			return fmt.Errorf("invalid frame length: %d", frameLen)
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(br, frame); err != nil {
			return fmt.Errorf("error reading frame: %w", err)
		}

		timer.Reset(opusSendTimeout)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- frame:
		case <-timer.C:
			return errors.New("timed out sending audio")
		}
	}
}

// pipeline is yt-dlp | ffmpeg | dca. Closing it before the stream ends
// kills all three.
type pipeline struct {
	cmds   []*exec.Cmd
	stdout io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
	eof    atomic.Bool
}

func (p *pipeline) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		p.eof.Store(true)
	}
	return n, err
}

// Close waits for the processes to exit. Exit errors are only reported
// when the stream was read to the end, since stopping early kills them.
func (p *pipeline) Close() error {
	defer p.cancel()
	if !p.eof.Load() {
		p.cancel()
	}
	timer := time.AfterFunc(pipelineExitGrace, p.cancel)
	defer timer.Stop()

	var errs []error
	for _, c := range p.cmds {
		if err := c.Wait(); err != nil && !p.killed(err) {
			errs = append(errs, fmt.Errorf("%s: %w", c.Path, err))
		}
	}
	return errors.Join(errs...)
}

// killed reports whether err is a process exiting because the pipeline
// was cancelled
func (p *pipeline) killed(err error) bool {
	if p.ctx.Err() == nil {
		return false
	}
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) || errors.Is(err, context.Canceled)
}

// openPipeline starts yt-dlp to fetch the best audio for url, ffmpeg to
// decode it to 48kHz stereo PCM, and dca to encode that to opus frames
func openPipeline(ctx context.Context, config *MusicConfig, url string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	//nolint:gosec // the url comes from a yt-dlp search result
	ytdlp := exec.CommandContext(ctx, config.YTDLPPath, "-f", "bestaudio/best", "-q", "--no-warnings", "-o", "-", url)
	ffmpeg := exec.CommandContext(
		ctx,
		config.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-ar", "48000", "-ac", "2",
		"pipe:1",
	)
	dca := exec.CommandContext(ctx, config.DCAPath)

	var err error
	if ffmpeg.Stdin, err = ytdlp.StdoutPipe(); err != nil {
		cancel()
		return nil, err
	}
	if dca.Stdin, err = ffmpeg.StdoutPipe(); err != nil {
		cancel()
		return nil, err
	}
	stdout, err := dca.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	p := &pipeline{stdout: stdout, ctx: ctx, cancel: cancel}
	for _, c := range []*exec.Cmd{ytdlp, ffmpeg, dca} {
		if err = c.Start(); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("error starting %s: %w", c.Path, err)
		}
		p.cmds = append(p.cmds, c)
	}
	return p, nil
}
