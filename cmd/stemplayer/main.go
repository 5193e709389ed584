package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/grooveshed/stemplayer/internal/config"
	"github.com/grooveshed/stemplayer/internal/engine"
	"github.com/grooveshed/stemplayer/internal/logging"
	"github.com/grooveshed/stemplayer/internal/player"
	"github.com/grooveshed/stemplayer/internal/session"
	"github.com/grooveshed/stemplayer/internal/store"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	mixPath := flag.String("mix", "", "path to the full-mix WAV file (required)")
	stemsDir := flag.String("stems", "", "directory of stem WAV files (optional)")
	flag.Parse()

	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logging.NewWithLevel(cfg.LogLevel)
	log.Info().Str("version", Version).Str("commit", Commit).Msg("stemplayer starting...")

	if *mixPath == "" {
		log.Fatal().Msg("-mix is required")
	}

	var st *store.Store
	if *stemsDir != "" {
		st, err = store.LoadDir(*stemsDir, *mixPath)
	} else {
		st, err = store.LoadMix(*mixPath)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load audio")
	}
	log.Info().
		Int("sample_rate", st.SampleRate()).
		Float64("duration", st.Duration()).
		Strs("stems", st.StemNames()).
		Msg("Track loaded")

	sess, err := session.New(session.Config{
		Store: st,
		Limits: session.Limits{
			MinTempoRatio:     cfg.DSP.MinTempoRatio,
			MaxTempoRatio:     cfg.DSP.MaxTempoRatio,
			MaxPitchSemitones: cfg.DSP.MaxPitchSemitones,
		},
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}
	sess.SetReverbWet(cfg.DSP.ReverbWet)

	plr := player.New(player.Config{
		Session:         sess,
		Logger:          log,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
	})

	// The engine pulls through the player, so it is wired up second.
	eng, err := engine.New(engine.Config{
		SampleRate:      st.SampleRate(),
		Channels:        cfg.Audio.OutputChannels,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		Pull:            plr.Pull,
		Logger:          log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize output device")
	}
	defer eng.Close()
	plr.SetOutput(eng)

	go watchEvents(plr, log)

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		plr.Stop()
		eng.Close()
		os.Exit(0)
	}()

	runCommandLoop(plr, log)
}

func watchEvents(plr *player.Player, log zerolog.Logger) {
	for ev := range plr.Events() {
		switch ev.Kind {
		case player.EventRenderReady:
			log.Info().
				Float64("tempo", ev.TempoRatio).
				Float64("pitch", ev.PitchSemitones).
				Msg("New tempo/pitch configuration ready")
		case player.EventRenderFailed:
			log.Warn().Err(ev.Err).Msg("Render failed, keeping current audio")
		case player.EventSwapApplied:
			log.Info().
				Float64("tempo", ev.TempoRatio).
				Float64("pitch", ev.PitchSemitones).
				Float64("position", ev.PositionSeconds).
				Msg("Swapped in new configuration")
		case player.EventEndOfTrack:
			log.Info().Msg("End of track")
		}
	}
}

func runCommandLoop(plr *player.Player, log zerolog.Logger) {
	fmt.Println("commands: play pause stop seek <s> tempo <r> pitch <st> vol <v> gain <db>")
	fmt.Println("          stems <a,b,..> all loop <on|off> loopstart <s> loopend <s> reset pos quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "play":
			err = plr.Play()
		case "pause":
			plr.Pause()
		case "stop":
			err = plr.Stop()
		case "seek":
			if v, ok := parseArg(fields); ok {
				err = plr.Seek(v)
			}
		case "tempo":
			if v, ok := parseArg(fields); ok {
				err = plr.SetTempoRate(v)
			}
		case "pitch":
			if v, ok := parseArg(fields); ok {
				err = plr.SetPitchSemitones(v)
			}
		case "vol":
			if v, ok := parseArg(fields); ok {
				err = plr.SetMasterVolume(v)
			}
		case "gain":
			if v, ok := parseArg(fields); ok {
				if err = plr.SetGainDB(v); err == nil {
					plr.SetGainEnabled(true)
				}
			}
		case "stems":
			if len(fields) > 1 {
				plr.SetActiveStems(strings.Split(fields[1], ","))
			}
		case "all":
			plr.SetPlayAll(true)
		case "loop":
			if len(fields) > 1 {
				plr.Loop().SetEnabled(fields[1] == "on")
			}
		case "loopstart":
			if v, ok := parseArg(fields); ok {
				plr.Loop().SetStart(v, plr.Duration())
			}
		case "loopend":
			if v, ok := parseArg(fields); ok {
				plr.Loop().SetEnd(v, plr.Duration())
			}
		case "reset":
			plr.Reset()
		case "pos":
			fmt.Printf("%.2fs / %.2fs\n", plr.Position(), plr.Duration())
		case "quit":
			plr.Stop()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
		if err != nil {
			log.Error().Err(err).Str("command", fields[0]).Msg("Command failed")
		}
	}
}

func parseArg(fields []string) (float64, bool) {
	if len(fields) < 2 {
		fmt.Println("missing argument")
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		fmt.Println("bad argument:", fields[1])
		return 0, false
	}
	return v, true
}
