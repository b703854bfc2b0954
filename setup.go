package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively write a voxd.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		runSetup()
	},
}

func runSetup() {
	log.Info("Starting voxd setup...")

	var (
		sttWorker string
		ttsWorker string
		bind      = ":4444"
		backend   string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Enter your transcription worker command").
				Value(&sttWorker),
			huh.NewInput().
				Title("Enter your synthesis worker command (empty disables synthesis)").
				Value(&ttsWorker),
			huh.NewInput().
				Title("HTTP listen address").
				Value(&bind),
			huh.NewSelect[string]().
				Title("Reply to final transcripts with").
				Options(
					huh.NewOption("no responder", ""),
					huh.NewOption("gemini", "gemini"),
					huh.NewOption("openai", "openai"),
				).
				Value(&backend),
		),
	)

	err := form.Run()
	if err != nil {
		log.Fatal("Error during setup", "error", err)
	}

	if backend != "" {
		var apiKey string
		keyForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Enter your " + backend + " API key").
					Value(&apiKey),
			),
		)
		if err := keyForm.Run(); err != nil {
			log.Fatal("Error during setup", "error", err)
		}
		viper.Set(backend+"_api_key", apiKey)
	}

	// Save the configuration
	viper.Set("stt.worker_cmd", sttWorker)
	viper.Set("tts.worker_cmd", ttsWorker)
	viper.Set("http.bind", bind)
	viper.Set("responder", backend)

	err = viper.WriteConfigAs("voxd.yaml")
	if err != nil {
		log.Fatal("Error saving configuration", "error", err)
	}

	log.Info("Setup completed successfully!", "config", "voxd.yaml")
}
