package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/dialink/dialink/internal/call"
	"github.com/dialink/dialink/internal/config"
	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/media"
	"github.com/dialink/dialink/internal/media/pion"
	"github.com/dialink/dialink/internal/roster"
	"github.com/dialink/dialink/internal/signaling"
)

func main() {
	app := &cli.App{
		Name:        "dialink-softphone",
		Usage:       "Terminal calling client",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
			},
			&cli.Int64Flag{
				Name:     "uid",
				Usage:    "numeric user id",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "name",
				Usage:    "display name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "number",
				Usage:    "own virtual number, example: '123-456'",
				Required: true,
			},
		},
		Action: startSoftphone,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startSoftphone(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	initLogger(cfg.Env)

	identity := core.Identity{
		UserID:        core.UserID(c.Int64("uid")),
		DisplayName:   c.String("name"),
		VirtualNumber: c.String("number"),
	}

	client := signaling.NewClient(cfg.Client.RelayURL, identity)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	engine := pion.NewEngine(pion.Config{
		GatewayURL:        cfg.Client.GatewayURL,
		ICEServers:        cfg.RTC.ICEServers,
		ICEPortRangeStart: cfg.RTC.ICEPortRangeStart,
		ICEPortRangeEnd:   cfg.RTC.ICEPortRangeEnd,
	})
	tokens := media.NewHTTPTokenProvider(cfg.Client.TokenEndpoint)
	devices := pion.NewFileDeviceProvider(
		cfg.Devices.AudioClip, cfg.Devices.VideoClip, cfg.Devices.ScreenClip,
	)

	var coordinator *call.Coordinator
	tracker := roster.NewTracker(
		roster.WithSpeakingThreshold(cfg.Speaking.Threshold),
		roster.WithSpeakingDecay(cfg.Speaking.Decay),
		roster.WithChangeListener(func() {
			if coordinator != nil {
				coordinator.RosterChanged()
			}
		}),
	)

	controller := media.NewController(engine, tokens, devices, tracker, identity,
		media.WithNotifier(func(msg string) {
			fmt.Printf("! %s\n", msg)
		}),
	)

	coordinator = call.NewCoordinator(client, controller, tracker, identity,
		call.WithRingTimeout(cfg.Call.RingTimeout),
		call.WithStateListener(func(session core.CallSession) {
			printSession(session)
		}),
	)

	router := signaling.NewRouter(client.Messages())
	coordinator.Bind(router)

	<-coordinator.Start()
	<-router.Start()
	defer func() {
		<-router.Stop()
		<-coordinator.Stop()
	}()

	fmt.Printf("online as %s <%s>\n", identity.DisplayName, identity.VirtualNumber)
	return commandLoop(coordinator, controller, tracker)
}

func commandLoop(coordinator *call.Coordinator, controller *media.Controller, tracker *roster.Tracker) error {
	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("commands: dial <number> | accept | reject | hangup | mic on|off | cam on|off | flip | share | roster | quit")

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "dial":
			if len(fields) < 2 {
				fmt.Println("usage: dial <number>")
				continue
			}
			coordinator.Dial(fields[1])
		case "accept":
			coordinator.Accept()
		case "reject":
			coordinator.Reject()
		case "hangup":
			coordinator.HangUp()
		case "mic":
			err = controller.SetMicrophoneEnabled(ctx, len(fields) > 1 && fields[1] == "on")
		case "cam":
			err = controller.SetCameraEnabled(ctx, len(fields) > 1 && fields[1] == "on")
		case "flip":
			err = controller.SwitchCameraFacing(ctx)
		case "share":
			err = controller.ToggleScreenShare(ctx)
		case "roster":
			printRoster(tracker)
		case "quit":
			coordinator.HangUp()
			return nil
		default:
			fmt.Printf("unknown command: %s\n", fields[0])
		}

		if err != nil {
			fmt.Printf("! %s\n", err)
		}
	}

	return scanner.Err()
}

func printSession(session core.CallSession) {
	switch session.State {
	case core.CallRinging:
		fmt.Printf("incoming call from %s <%s> (accept/reject)\n",
			session.RemoteHint.DisplayName, session.RemoteHint.VirtualNumber)
	case core.CallEnded:
		fmt.Printf("call %s (%s), duration %s\n",
			session.State, session.Reason, session.Duration())
	default:
		fmt.Printf("call %s\n", session.State)
	}
}

func printRoster(tracker *roster.Tracker) {
	for _, participant := range tracker.Snapshot() {
		marks := make([]string, 0, 3)
		if participant.HasAudio {
			marks = append(marks, "mic")
		}
		if participant.HasVideo {
			marks = append(marks, "cam")
		}
		if participant.Speaking {
			marks = append(marks, "speaking")
		}
		fmt.Printf("  %s [%s]\n", participant.Name(), strings.Join(marks, ","))
	}
}

func initLogger(env core.Environment) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel
	if env.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
