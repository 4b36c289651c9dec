// Command call joins a session through a warmode server and runs one
// peer-to-peer call from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/warmode/internal/adapters/api"
	"github.com/dkeye/warmode/internal/adapters/capture"
	"github.com/dkeye/warmode/internal/adapters/rtc"
	"github.com/dkeye/warmode/internal/app/call"
	"github.com/dkeye/warmode/internal/app/match"
	"github.com/dkeye/warmode/internal/config"
	"github.com/dkeye/warmode/internal/domain"
)

type options struct {
	user      string
	duration  int
	mode      string
	matchType string
	join      string
	resume    string
	recordDir string
	limit     time.Duration
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	config.SetupLogging("info")

	var opts options
	fs := pflag.NewFlagSet("call", pflag.ExitOnError)
	fs.StringVarP(&opts.user, "user", "u", "", "user id to act as (required)")
	fs.IntVarP(&opts.duration, "duration", "d", 25, "session length in minutes: 25, 50 or 75")
	fs.StringVarP(&opts.mode, "mode", "m", string(domain.ModeVideo), "video or audio")
	fs.StringVar(&opts.matchType, "match", string(domain.MatchAnyone), "anyone, city, role or favorite")
	fs.StringVar(&opts.join, "join", "", "join this session id directly")
	fs.StringVar(&opts.resume, "resume", "", "rejoin a session you already belong to")
	fs.StringVar(&opts.recordDir, "record-dir", "", "record the partner's media into this directory")
	fs.DurationVar(&opts.limit, "limit", 0, "end the call after this long instead of the session duration")
	fs.String("relay-url", "", "server base url")
	fs.String("audio-file", "", "Ogg/Opus file used as microphone")
	fs.String("video-file", "", "IVF file used as camera")
	fs.Bool("no-media", false, "refuse camera and microphone access")
	_ = fs.Parse(os.Args[1:])

	v := config.New()
	for key, flag := range map[string]string{
		"relay_url":        "relay-url",
		"media.audio_file": "audio-file",
		"media.video_file": "video-file",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}
	if noMedia, _ := fs.GetBool("no-media"); noMedia {
		v.Set("media.allow", false)
	}

	cfg, err := config.LoadWith(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogging(cfg.LogLevel)

	user, err := domain.ParseUserID(opts.user)
	if err != nil {
		fmt.Fprintln(os.Stderr, "--user:", err)
		os.Exit(2)
	}

	if err := run(ctx, cfg, user, opts); err != nil {
		code := exitCode(err)
		if code == 3 {
			fmt.Fprintln(os.Stderr, call.UserMessage(err))
		} else {
			log.Error().Err(err).Msg("call failed")
		}
		os.Exit(code)
	}
}

func run(ctx context.Context, cfg *config.Config, user domain.UserID, opts options) error {
	client, err := api.New(cfg.RelayURL, user)
	if err != nil {
		return err
	}
	defer client.Close()
	if user, err = client.Identify(ctx); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	factory, err := rtc.NewFactory(rtc.Timeouts{
		Disconnected: cfg.ICE.DisconnectedTimeout,
		Failed:       cfg.ICE.FailedTimeout,
		KeepAlive:    cfg.ICE.KeepaliveInterval,
	})
	if err != nil {
		return err
	}
	devices := capture.NewDevices(capture.Config{
		Allow:     cfg.Media.Allow,
		AudioFile: cfg.Media.AudioFile,
		VideoFile: cfg.Media.VideoFile,
		StreamID:  string(user),
	})

	mm := match.New(client, client, match.Config{
		ReadAttempts: cfg.Match.ReadAttempts,
		ReadBackoff:  cfg.Match.ReadBackoff,
		WaitTimeout:  cfg.Match.WaitTimeout,
		PollInterval: cfg.Match.PollInterval,
	})

	res, err := resolve(ctx, mm, user, opts)
	if err != nil {
		return err
	}
	fmt.Printf("session %s (%s, %d min) host=%v\n", res.SessionID, res.Session.Mode, res.Session.Duration, res.IsHost)
	if res.Waiting() {
		fmt.Printf("waiting for a partner; they can run: call --user <id> --join %s\n", res.SessionID)
	}

	ctl := call.NewController(ctx, call.Deps{Media: devices, Peers: factory, Signals: client}, client, mm, call.Config{
		Self:            user,
		ICEServers:      rtc.ICEServers(cfg.ICE.STUNURLs, cfg.ICE.TURNURL, cfg.ICE.TURNUsername, cfg.ICE.TURNCredential),
		GraceWindow:     cfg.Call.GraceWindow,
		ConnectTimeout:  cfg.Call.ConnectTimeout,
		OfferRetransmit: cfg.Call.OfferRetransmit,
		VideoWidth:      cfg.Call.VideoWidth,
		VideoHeight:     cfg.Call.VideoHeight,
	})
	defer ctl.Close()

	var rec *recorder
	if opts.recordDir != "" {
		if err := os.MkdirAll(opts.recordDir, 0o755); err != nil {
			return err
		}
		rec = newRecorder(opts.recordDir)
		defer rec.Close()
	}

	updates, stopUpdates := ctl.Subscribe()
	defer stopUpdates()

	limit := opts.limit
	if limit <= 0 {
		limit = time.Duration(res.Session.Duration) * time.Minute
	}

	// Commands are read while StartCall still waits for a partner.
	commands := make(chan string)
	go readCommands(os.Stdin, commands)
	started := make(chan error, 1)
	go func() { started <- ctl.StartCall(ctx, res) }()

	c := &console{ctl: ctl, store: client, rec: rec, limit: limit, out: os.Stdout}
	return c.run(ctx, updates, commands, started)
}

func resolve(ctx context.Context, mm *match.Matchmaker, user domain.UserID, opts options) (match.Result, error) {
	switch {
	case opts.join != "":
		return mm.JoinDirect(ctx, user, domain.SessionID(opts.join))
	case opts.resume != "":
		return mm.Resume(ctx, user, domain.SessionID(opts.resume))
	}
	prefs := domain.Preferences{
		Duration:  opts.duration,
		Mode:      domain.Mode(opts.mode),
		MatchType: domain.MatchType(opts.matchType),
	}
	return mm.Match(ctx, user, prefs)
}

func readCommands(in io.Reader, out chan<- string) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
	close(out)
}

// exitCode maps the outcome of run to the process status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, match.ErrNoMatchAvailable):
		return 3
	default:
		return 1
	}
}

type callControl interface {
	State() call.Snapshot
	EndCall()
	ToggleMute() bool
	ToggleCamera() bool
	Retry(ctx context.Context) error
}

type statusStore interface {
	UpdateStatus(ctx context.Context, sid domain.SessionID, status domain.Status) error
}

// console renders snapshots, runs the session countdown and handles
// commands until the call is over.
type console struct {
	ctl   callControl
	store statusStore
	rec   *recorder
	limit time.Duration
	out   io.Writer

	wasActive bool
	retrying  bool

	// noMatch holds the last match timeout until a retry starts.
	noMatch error
}

func (c *console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *console) finish(reason string, result error) error {
	sid := c.ctl.State().SessionID
	c.ctl.EndCall()
	if sid != "" {
		status := domain.StatusCancelled
		if c.wasActive {
			status = domain.StatusCompleted
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.UpdateStatus(ctx, sid, status); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("module", "cmd.call").Str("sid", string(sid)).Msg("final status")
		}
	}
	c.printf("call ended: %s\n", reason)
	return result
}

// gaveUp reports whether a match timeout is final: stdin is gone and no
// retry is running.
func (c *console) gaveUp(commands <-chan string) bool {
	return c.noMatch != nil && commands == nil && !c.retrying
}

func (c *console) run(ctx context.Context, updates <-chan call.Snapshot, commands <-chan string, started <-chan error) error {
	var (
		countdown <-chan time.Time
		last      call.State
		retried   = make(chan error, 1)
	)
	for {
		select {
		case <-ctx.Done():
			return c.finish("interrupted", nil)
		case <-countdown:
			return c.finish("session time is up", nil)

		case err := <-started:
			started = nil
			switch {
			case errors.Is(err, match.ErrNoMatchAvailable):
				c.noMatch = err
				c.printf("%s (press r to retry, q to quit)\n", call.UserMessage(err))
			case err != nil && !errors.Is(err, context.Canceled):
				return c.finish("failed", err)
			}
			if c.gaveUp(commands) {
				return c.finish("no partner", c.noMatch)
			}

		case err := <-retried:
			c.retrying = false
			if err == nil {
				c.noMatch = nil
			} else {
				if errors.Is(err, match.ErrNoMatchAvailable) {
					c.noMatch = err
				}
				c.printf("retry: %s\n", call.UserMessage(err))
			}
			if c.gaveUp(commands) {
				return c.finish("no partner", c.noMatch)
			}

		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				if c.gaveUp(commands) {
					return c.finish("no partner", c.noMatch)
				}
				continue
			}
			switch cmd {
			case "m":
				c.printf("muted: %v\n", c.ctl.ToggleMute())
			case "c":
				c.printf("camera off: %v\n", c.ctl.ToggleCamera())
			case "r":
				if c.retrying {
					continue
				}
				c.retrying = true
				c.noMatch = nil
				go func() { retried <- c.ctl.Retry(ctx) }()
			case "q":
				return c.finish("left", c.noMatch)
			case "":
			default:
				c.printf("commands: m (mute), c (camera), r (retry), q (quit)\n")
			}

		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if snap.CallState != last {
				last = snap.CallState
				line := fmt.Sprintf("[%s] %s", snap.SessionID, snap.CallState)
				if snap.Encrypted {
					line += " (encrypted"
					if snap.Security.Known() {
						line += fmt.Sprintf(", %s, %s", snap.Security.DTLSCipher, snap.Security.SRTPCipher)
					}
					line += ")"
				}
				if snap.Err != nil {
					line += ": " + call.UserMessage(snap.Err)
				}
				if snap.CanRetry {
					line += " (press r to retry)"
				}
				c.printf("%s\n", line)
			}
			switch {
			case errors.Is(snap.Err, match.ErrNoMatchAvailable):
				c.noMatch = snap.Err
				if c.gaveUp(commands) {
					return c.finish("no partner", c.noMatch)
				}
			case snap.Waiting || snap.CallState == call.StateConnecting:
				c.noMatch = nil
			}
			if snap.RemoteStream != nil {
				if err := c.rec.attach(snap.SessionID, snap.RemoteStream, snap.LocalStream != nil && snap.LocalStream.VideoTrack() != nil); err != nil {
					log.Warn().Err(err).Str("module", "cmd.call").Msg("recorder")
				}
			}
			if snap.CallState == call.StateConnected && countdown == nil {
				c.wasActive = true
				c.noMatch = nil
				countdown = time.After(c.limit)
				c.printf("connected, call ends in %s\n", c.limit)
			}
			if snap.CallState == call.StateEnded {
				return c.finish("partner hung up", nil)
			}
			if snap.CallState == call.StateFailed && !snap.CanRetry {
				return c.finish("failed", nil)
			}
		}
	}
}
