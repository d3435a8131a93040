// Package app wires the configuration to the MIDI driver, the hub, the
// generator and the interaction engine.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leandrodaf/midibridge/internal/archive"
	"github.com/leandrodaf/midibridge/internal/config"
	"github.com/leandrodaf/midibridge/internal/generator"
	"github.com/leandrodaf/midibridge/internal/hub"
	"github.com/leandrodaf/midibridge/internal/interaction"
	"github.com/leandrodaf/midibridge/internal/monitor"
	"github.com/leandrodaf/midibridge/internal/remap"
	"github.com/leandrodaf/midibridge/internal/sequence"
	"github.com/leandrodaf/midibridge/internal/telemetry"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"github.com/leandrodaf/midibridge/sdk/midi"
)

const shutdownTimeout = 5 * time.Second

// Run executes the command described by cfg. It returns nil when ctx is
// cancelled during an interactive session.
func Run(ctx context.Context, cfg *config.Config, log contracts.Logger, stdin io.Reader, stdout io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	console := &syncWriter{w: stdout}

	if cfg.ListSessions || cfg.ExportSession != "" {
		return runArchive(cfg, log, console)
	}

	driver, err := midi.NewDriver(
		contracts.WithDriver(cfg.Driver),
		contracts.WithLogger(log),
		contracts.WithMIDIEventFilter(contracts.MIDIEventFilter{
			Commands: []contracts.MIDICommand{contracts.NoteOn, contracts.NoteOff, contracts.ControlChange},
		}),
	)
	if err != nil {
		return fmt.Errorf("initializing MIDI driver: %w", err)
	}
	defer driver.Close()

	if cfg.List {
		return listPorts(driver, console)
	}
	return runSession(ctx, cfg, log, driver, stdin, console)
}

func listPorts(driver contracts.Driver, w io.Writer) error {
	ins, err := driver.ListInputs()
	if err != nil {
		return err
	}
	outs, err := driver.ListOutputs()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Input ports: %s\n", midi.PortNames(ins))
	fmt.Fprintf(w, "Output ports: %s\n", midi.PortNames(outs))
	return nil
}

func runSession(ctx context.Context, cfg *config.Config, log contracts.Logger, driver contracts.Driver, stdin io.Reader, console io.Writer) error {
	inInfo, err := midi.FindInput(driver, cfg.InputPort)
	if err != nil {
		return err
	}
	outInfo, err := midi.FindOutput(driver, cfg.OutputPort)
	if err != nil {
		return err
	}

	melody, err := generator.New(generator.Options{
		GeneratorName:  cfg.GeneratorName,
		Checkpoint:     cfg.Checkpoint,
		BundleFile:     cfg.BundleFile,
		HParams:        cfg.HParams,
		URL:            cfg.GeneratorURL,
		BarsToGenerate: cfg.NumBarsToGenerate,
	})
	if err != nil {
		return err
	}

	in, err := driver.OpenInput(inInfo.Index)
	if err != nil {
		return fmt.Errorf("opening input %q: %w", inInfo.Name, err)
	}
	out, err := driver.OpenOutput(outInfo.Index)
	if err != nil {
		_ = in.Close()
		return fmt.Errorf("opening output %q: %w", outInfo.Name, err)
	}
	defer out.Close()

	controls := cfg.Controls()
	if cfg.CustomCC {
		events := make(chan contracts.Event, 64)
		in.StartCapture(events)
		controls, err = remap.New(events, stdin, console, controls).Run(ctx)
		if err != nil {
			_ = in.Close()
			return err
		}
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = in.Close()
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("Telemetry shutdown failed", log.Field().Error("error", err))
		}
	}()

	h := hub.New(in, out,
		hub.WithLogger(log),
		hub.WithControls(controls),
		hub.WithThru(cfg.Thru),
		hub.WithMetronomeChannel(uint8(cfg.MetronomeChannel)),
		hub.WithMetronomeVelocity(uint8(cfg.MetronomeVelocity)),
		hub.WithNoteCallback(func(sequence.Note) { fmt.Fprint(console, ".") }),
	)
	defer h.Close()

	session := uuid.NewString()
	opts := []interaction.Option{interaction.WithLogger(log), interaction.WithConsole(console)}

	if cfg.ArchiveDir != "" {
		store, err := archive.Open(cfg.ArchiveDir, log)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder, err := store.Session(session)
		if err != nil {
			return err
		}
		opts = append(opts, interaction.WithRecorder(recorder))
	}

	if cfg.MonitorAddr != "" {
		srv := monitor.NewServer(monitor.NewStats(), log)
		if err := srv.Start(cfg.MonitorAddr); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		opts = append(opts, interaction.WithObserver(srv))
	}

	engine, err := interaction.New(interaction.Config{
		Mode:             interaction.Mode(cfg.Mode),
		QPM:              cfg.QPM,
		PhraseBars:       cfg.PhraseBars,
		PlaybackVelocity: uint8(cfg.MetronomePlaybackVelocity),
		Session:          session,
	}, h, melody, opts...)
	if err != nil {
		return err
	}

	log.Info("Starting interaction",
		log.Field().String("session", session),
		log.Field().String("mode", cfg.Mode),
		log.Field().String("generator", melody.ID()),
		log.Field().String("input", inInfo.Name),
		log.Field().String("output", outInfo.Name),
	)
	return engine.Run(ctx)
}

func runArchive(cfg *config.Config, log contracts.Logger, w io.Writer) error {
	store, err := archive.Open(cfg.ArchiveDir, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.ExportSession != "" {
		files, err := archive.ExportSession(store, cfg.ExportSession, cfg.ExportDir, 0)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintf(w, "Wrote %s\n", f)
		}
		return nil
	}

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%d phrases\t%s\n", s.ID, s.Phrases, s.First.Format(time.RFC3339))
	}
	return nil
}

// syncWriter serializes console output from the hub and the engine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
