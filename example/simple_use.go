package main

import (
	"fmt"
	"time"

	"github.com/leandrodaf/midibridge/internal/logger"
	"github.com/leandrodaf/midibridge/sdk/contracts"
	"github.com/leandrodaf/midibridge/sdk/midi"
)

func main() {
	log := logger.NewStandardLogger()

	driver, err := midi.NewDriver(
		contracts.WithLogger(log),
		contracts.WithLogLevel(contracts.InfoLevel),
		contracts.WithMIDIEventFilter(contracts.MIDIEventFilter{
			Commands: []contracts.MIDICommand{contracts.NoteOn, contracts.NoteOff},
		}),
	)
	if err != nil {
		log.Error("Failed to initialize MIDI driver", log.Field().Error("error", err))
		return
	}
	defer driver.Close()

	inputs, err := driver.ListInputs()
	if err != nil || len(inputs) == 0 {
		log.Error("No MIDI inputs found or error listing inputs", log.Field().Error("error", err))
		return
	}
	fmt.Println("Input ports:", midi.PortNames(inputs))

	in, err := driver.OpenInput(inputs[0].Index)
	if err != nil {
		log.Error("Failed to open MIDI input", log.Field().Error("error", err))
		return
	}
	defer in.Close()

	eventChannel := make(chan contracts.Event, 100)
	go func() {
		for event := range eventChannel {
			var ch, key, vel uint8
			if event.Message.GetNoteStart(&ch, &key, &vel) {
				log.Info("Note on",
					log.Field().Time("timestamp", event.Timestamp),
					log.Field().Uint8("channel", ch),
					log.Field().Uint8("key", key),
					log.Field().Uint8("velocity", vel),
				)
				continue
			}
			log.Info("MIDI event",
				log.Field().Time("timestamp", event.Timestamp),
				log.Field().String("message", event.Message.String()),
			)
		}
	}()

	in.StartCapture(eventChannel)

	fmt.Println("Capturing MIDI events for one minute...")
	time.Sleep(time.Minute)
}
