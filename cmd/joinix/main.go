// Joinix is the call participant CLI.
//
// It logs in to the rooms service, creates or joins a two-party room and runs
// a WebRTC call with the other participant, recovering from network changes
// through ICE restarts.
//
// It can be launched interactively (no --create or --room) or
// non-interactively via CLI flags.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/joinix/internal/app"
	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	create := pflag.Bool("create", false, "Create a new room")
	room := pflag.StringP("room", "r", "", "Room id or code to join")
	user := pflag.StringP("user", "u", "", "Username for the rooms service")
	password := pflag.String("password", "", "Password for the rooms service")
	role := pflag.String("role", "", "Override the negotiation role: polite or impolite")
	relayURL := pflag.String("relay", "", "Signaling relay URL (e.g. wss://relay.example.com)")
	apiURL := pflag.String("api", "", "Rooms service URL (e.g. https://relay.example.com)")
	audioFile := pflag.String("audio-file", "", "Ogg/Opus file streamed as the local audio track")
	videoFile := pflag.String("video-file", "", "IVF (VP8) file streamed as the local video track")
	noVideo := pflag.Bool("no-video", false, "Send audio only")
	loopback := pflag.Bool("loopback", false, "Gather loopback candidates (both participants on one host)")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	if *relayURL != "" {
		if cfg.RelayURL, err = normalizeWSURL(*relayURL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	if *apiURL != "" {
		if cfg.APIURL, err = normalizeHTTPURL(*apiURL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	if *audioFile != "" {
		cfg.Media.AudioFile = *audioFile
	}
	if *videoFile != "" {
		cfg.Media.VideoFile = *videoFile
	}
	if *noVideo {
		cfg.Media.Video = false
	}

	pterm.Info.Println(fmt.Sprintf("Joinix — v%s", version))
	pterm.Println()

	call := app.Call{
		Config:   cfg,
		Creds:    app.Credentials{Username: *user, Password: *password},
		Room:     strings.TrimSpace(*room),
		Role:     config.Role(*role),
		Loopback: *loopback,
	}

	switch {
	case *create && call.Room != "":
		util.LogError("--create and --room are mutually exclusive")
		os.Exit(1)
	case *create:
		call.Creds = askCredentials(call.Creds)
	case call.Room == "":
		// Neither flag → interactive mode.
		call = runInteractive(call)
	}

	if err := app.Run(ctx, call); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("left the room")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks whether to create or join a room when neither --create
// nor --room is provided.
func runInteractive(call app.Call) app.Call {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Create — Start a new room", "Join   — Enter an existing room"}).
		WithDefaultText("What do you want to do").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Create") {
		call.Creds = askCredentials(call.Creds)
	} else {
		call.Room = askRoom()
	}
	return call
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL and points it at the /ws endpoint.
// http(s) schemes map to ws(s); a bare host defaults to wss.
func normalizeWSURL(raw string) (string, error) {
	u, err := parseURL(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// normalizeHTTPURL validates a rooms service URL and strips its path.
// ws(s) schemes map to http(s); a bare host defaults to https.
func normalizeHTTPURL(raw string) (string, error) {
	u, err := parseURL(raw)
	if err != nil {
		return "", fmt.Errorf("invalid rooms service URL: %s", raw)
	}
	scheme := "https"
	switch u.Scheme {
	case "http", "ws":
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}

func parseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

// askCredentials prompts for whatever part of the login is missing.
func askCredentials(creds app.Credentials) app.Credentials {
	for creds.Username == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Username").
			Show()
		creds.Username = strings.TrimSpace(raw)
		pterm.Println()
	}
	for creds.Password == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Password").
			WithMask("*").
			Show()
		creds.Password = raw
		pterm.Println()
	}
	return creds
}

// askRoom prompts the user for a room id or code until one is entered.
func askRoom() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room code or id").
			Show()

		if room := strings.TrimSpace(raw); room != "" {
			pterm.Println()
			return room
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a room code")
	}
}
