package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/api"
	"github.com/studydash/callengine/internal/callsignal"
	"github.com/studydash/callengine/internal/chat"
	"github.com/studydash/callengine/internal/config"
	"github.com/studydash/callengine/internal/domain"
	"github.com/studydash/callengine/internal/intent"
	"github.com/studydash/callengine/internal/logging"
	"github.com/studydash/callengine/internal/media"
	"github.com/studydash/callengine/internal/session"
	"github.com/studydash/callengine/internal/signal"
	"github.com/studydash/callengine/internal/viewer"
	"github.com/studydash/callengine/internal/webrtc"
)

const helpText = `callclient - join peer-to-peer video calls from the terminal

Usage:
  callclient [options] dm <userId> [audio|video]    invite a user and join the direct call
  callclient [options] group <groupId> [audio|video] start or join a group's call
  callclient [options] join <roomId>                join a room without sending an intent
  callclient [options] listen                       wait for an invite (a = answer, d = decline)

While in a call, type a key and press enter:
  m  toggle microphone    c  toggle camera    f  flip camera    q  leave

With CALL_VIEW=true the first remote video is written to stdout
(H264 as Annex-B, VP8 as IVF):
  callclient join dm-alice-bob | ffplay -

Environment Variables:
  CALL_USER_ID (required), CALL_USER_NAME, CALL_TOKEN, CALL_SIGNAL_URL,
  CALL_SIGNAL_NAMESPACE, CALL_CHAT_URL, CALL_API_URL, CALL_STUN_URLS,
  CALL_RECONNECT_ATTEMPTS, CALL_LOG_LEVEL, CALL_VIEW

Options:
`

func main() {
	fs := flag.NewFlagSet("callclient", flag.ExitOnError)
	conversation := fs.String("conversation", "", "direct conversation id for dm intents (default: the peer's user id)")
	envFile := fs.String("env", ".env", "dotenv file to load")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadClient(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, os.Stderr)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	defer app.close()

	if err := app.run(ctx, fs.Args(), *conversation); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("call ended with error")
		app.close()
		os.Exit(1)
	}
}

type app struct {
	cfg   *config.Client
	log   zerolog.Logger
	rest  *api.Client
	rt    *chat.Realtime
	coord *intent.Coordinator
	ctrl  *session.Controller
	keys  <-chan string
}

func newApp(ctx context.Context, cfg *config.Client, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, keys: readKeys(os.Stdin)}

	if cfg.Token == "" {
		login, err := api.NewClient(cfg.SignalURL, "", nil).Login(ctx, cfg.UserID, cfg.UserName)
		if err != nil {
			return nil, fmt.Errorf("no CALL_TOKEN and development login failed: %w", err)
		}
		cfg.Token = login.Token
		log.Info().Time("expires", login.ExpiresAt).Msg("using development token")
	}

	var rest intent.Sender
	if cfg.APIURL != "" {
		a.rest = api.NewClient(cfg.APIURL, cfg.Token, nil)
		rest = a.rest
	}
	var rt intent.Realtime
	if cfg.ChatURL != "" {
		a.rt = chat.NewRealtime(chat.RealtimeOptions{URL: cfg.ChatURL, Token: cfg.Token}, logging.Component(log, "chat"))
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.rt.Connect(cctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("realtime chat unavailable, using REST")
		}
		rt = a.rt
	}
	a.coord = intent.New(intent.Config{
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
		Realtime: rt,
		REST:     rest,
		Logger:   logging.Component(log, "intent"),
	})
	if a.rt != nil {
		msgs, _ := a.rt.Messages()
		go func() {
			for m := range msgs {
				if !a.coord.Ingest(m, true) {
					log.Info().Str("from", m.SenderUsername).Str("text", m.BodyText).Msg("chat")
				}
			}
		}()
	}

	devices, err := media.NewDevices(logging.Component(log, "devices"))
	if err != nil {
		return nil, fmt.Errorf("capture devices: %w", err)
	}
	factory := webrtc.NewFactory(webrtc.Config{
		STUNURLs:       cfg.STUNURLs,
		RegisterCodecs: devices.RegisterCodecs,
	}, logging.Component(log, "webrtc"))

	a.ctrl = session.New(session.Config{
		UserID: cfg.UserID,
		Media:  media.NewAcquirer(devices, logging.Component(log, "media")),
		NewSignaler: func(h domain.Handler) domain.Signaler {
			return signal.NewClient(signal.Options{
				URL:               cfg.SignalURL,
				Namespace:         cfg.Namespace,
				Token:             cfg.Token,
				ReconnectAttempts: cfg.ReconnectAttempts,
				ReconnectDelay:    cfg.ReconnectDelay,
			}, h, logging.Component(log, "signal"))
		},
		Peers:  factory,
		Logger: logging.Component(log, "session"),
	})
	return a, nil
}

func (a *app) close() {
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.rt != nil {
		a.rt.Close()
	}
	if a.coord != nil {
		a.coord.Close()
	}
}

// intentTimeout bounds one call intent send.
const intentTimeout = 10 * time.Second

// call describes how to announce leaving.
type call struct {
	roomID       string
	callType     callsignal.CallType
	conversation string
	groupID      string
}

func parseCallType(args []string, i int) (callsignal.CallType, error) {
	if len(args) <= i {
		return callsignal.CallTypeVideo, nil
	}
	switch ct := callsignal.CallType(args[i]); ct {
	case callsignal.CallTypeAudio, callsignal.CallTypeVideo:
		return ct, nil
	}
	return "", fmt.Errorf("call type must be audio or video, got %q", args[i])
}

func (a *app) run(ctx context.Context, args []string, conversation string) error {
	var c call
	switch args[0] {
	case "dm":
		if len(args) < 2 {
			return errors.New("usage: dm <userId> [audio|video]")
		}
		ct, err := parseCallType(args, 2)
		if err != nil {
			return err
		}
		if conversation == "" {
			conversation = args[1]
		}
		sctx, cancel := context.WithTimeout(ctx, intentTimeout)
		roomID, err := a.coord.StartDirectCall(sctx, conversation, args[1], ct)
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Msg("invite not delivered, joining anyway")
			roomID = callsignal.DirectRoomID(a.cfg.UserID, args[1])
		}
		c = call{roomID: roomID, callType: ct, conversation: conversation}

	case "group":
		if len(args) < 2 {
			return errors.New("usage: group <groupId> [audio|video]")
		}
		ct, err := parseCallType(args, 2)
		if err != nil {
			return err
		}
		a.replayHistory(ctx, chat.Group(args[1]))
		sctx, cancel := context.WithTimeout(ctx, intentTimeout)
		roomID, err := a.coord.StartGroupCall(sctx, args[1], ct)
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Msg("group-start not delivered")
			roomID = a.coord.JoinGroupCall(args[1])
		}
		c = call{roomID: roomID, callType: ct, groupID: args[1]}

	case "join":
		if len(args) < 2 {
			return errors.New("usage: join <roomId>")
		}
		c = call{roomID: args[1]}

	case "listen":
		invite, ok, err := a.waitForInvite(ctx)
		if err != nil || !ok {
			return err
		}
		c = call{roomID: invite.Payload.RoomID, callType: invite.Payload.CallType, conversation: invite.ReplyTo.ConversationID}

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return a.inCall(ctx, c)
}

func (a *app) replayHistory(ctx context.Context, target chat.Target) {
	if a.rest == nil {
		return
	}
	history, err := a.rest.History(ctx, target, 100)
	if err != nil {
		a.log.Warn().Err(err).Msg("fetch history")
		return
	}
	visible := a.coord.Visible(history)
	a.log.Debug().Int("messages", len(history)).Int("visible", len(visible)).Msg("history replayed")
	if live, ok := a.coord.ActiveCall(target.GroupID); ok {
		a.log.Info().Str("room", live.RoomID).Str("startedBy", live.StartedBy).Time("startedAt", live.StartedAt).Msg("joining the group's live call")
	}
}

func (a *app) waitForInvite(ctx context.Context) (intent.Event, bool, error) {
	events, cancel := a.coord.Subscribe()
	defer cancel()
	a.log.Info().Msg("waiting for calls")

	var pending *intent.Event
	for {
		select {
		case <-ctx.Done():
			return intent.Event{}, false, ctx.Err()
		case e, ok := <-events:
			if !ok {
				return intent.Event{}, false, nil
			}
			switch e.Kind {
			case intent.EventIncomingCall:
				pending = &e
				fmt.Fprintf(os.Stderr, "%s is calling (%s). a = answer, d = decline\n", e.Payload.FromUserName, e.Payload.CallType)
			case intent.EventCallClosed:
				fmt.Fprintln(os.Stderr, e.Notice)
				pending = nil
			}
		case key, ok := <-a.keys:
			if !ok {
				return intent.Event{}, false, nil
			}
			if pending == nil {
				continue
			}
			switch key {
			case "a":
				return *pending, true, nil
			case "d":
				dctx, dcancel := context.WithTimeout(ctx, intentTimeout)
				if err := a.coord.DeclineCall(dctx, *pending); err != nil {
					a.log.Warn().Err(err).Msg("decline")
				}
				dcancel()
				pending = nil
			}
		}
	}
}

func (a *app) inCall(ctx context.Context, c call) error {
	snaps, cancelSnaps := a.ctrl.Subscribe()
	defer cancelSnaps()
	closed, cancelEvents := a.coord.Subscribe()
	defer cancelEvents()

	if a.cfg.View {
		v := viewer.New(os.Stdout, logging.Component(a.log, "viewer"))
		defer v.Close()
		frames, cancel := a.ctrl.Subscribe()
		defer cancel()
		go v.Follow(ctx, frames)
	}

	if err := a.ctrl.Join(c.roomID); err != nil {
		return err
	}

	var last session.Snapshot
	for {
		select {
		case <-ctx.Done():
			a.leave(c, last)
			return nil

		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			if s.State != last.State || s.Status != last.Status || len(s.Participants) != len(last.Participants) {
				a.log.Info().Str("state", string(s.State)).Str("status", s.Status).Int("peers", len(s.Participants)).Strs("warnings", s.Warnings).Msg("call")
			}
			last = s
			if s.State == session.StateError {
				a.ctrl.Leave()
				return errors.New(s.Status)
			}

		case e, ok := <-closed:
			if !ok {
				closed = nil
				continue
			}
			if e.Kind == intent.EventCallClosed && c.conversation != "" && e.Payload.RoomID == c.roomID {
				fmt.Fprintln(os.Stderr, e.Notice)
				a.ctrl.Leave()
				return nil
			}

		case key, ok := <-a.keys:
			if !ok || key == "q" {
				a.leave(c, last)
				return nil
			}
			a.handleKey(ctx, key)
		}
	}
}

func (a *app) handleKey(ctx context.Context, key string) {
	switch key {
	case "m":
		muted, err := a.ctrl.ToggleMute()
		if err != nil {
			a.log.Warn().Err(err).Msg("mute")
			return
		}
		a.log.Info().Bool("muted", muted).Msg("microphone")
	case "c":
		off, err := a.ctrl.ToggleCamera()
		if err != nil {
			a.log.Warn().Err(err).Msg("camera")
			return
		}
		a.log.Info().Bool("off", off).Msg("camera")
	case "f":
		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.ctrl.FlipCamera(fctx); err != nil {
			a.log.Warn().Err(err).Msg("flip camera")
			return
		}
		a.log.Info().Str("facing", string(a.ctrl.Snapshot().FacingMode)).Msg("camera flipped")
	}
}

// leave ends the call locally and announces it. A group call is announced
// over only when nobody else is left in it.
func (a *app) leave(c call, last session.Snapshot) {
	a.ctrl.Leave()

	ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
	defer cancel()
	var err error
	switch {
	case c.conversation != "":
		err = a.coord.EndDirectCall(ctx, c.conversation, c.roomID, c.callType)
	case c.groupID != "" && len(last.Participants) == 0:
		err = a.coord.EndGroupCall(ctx, c.groupID)
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("announce leave")
	}
}

// readKeys streams trimmed, lower-cased input lines.
func readKeys(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if k := strings.ToLower(strings.TrimSpace(sc.Text())); k != "" {
				ch <- k
			}
		}
	}()
	return ch
}
