// phoned is the device-side agent: it keeps a session with a PhoneLink
// gateway and hands incoming CALL commands to a call handler. The default
// handler only logs; pass -exec to forward the number to a local command
// (for example a termux-telephony-call wrapper).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/pkg/device"
	"github.com/phonelink/phonelink/pkg/protocol"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

// execHandler shells out to a dialer command with the number as the last
// argument and reports call progress back over the session.
type execHandler struct {
	command string
	client  *device.Client
	log     zerolog.Logger
}

func (h *execHandler) PlaceCall(number string) error {
	h.log.Info().Str("command", h.command).Str("number", number).Msg("invoking dialer")
	if err := exec.Command(h.command, number).Run(); err != nil {
		return fmt.Errorf("dialer command failed: %w", err)
	}
	if err := h.client.ReportStatus(protocol.CallStarted, number); err != nil {
		h.log.Warn().Err(err).Msg("could not report call start")
	}
	return nil
}

// logHandler accepts every call without doing anything. Useful for
// testing the session path end to end.
type logHandler struct {
	log zerolog.Logger
}

func (h *logHandler) PlaceCall(number string) error {
	h.log.Info().Str("number", number).Msg("call accepted (no dialer configured)")
	return nil
}

func main() {
	server := flag.String("server", "", "Gateway base URL, e.g. http://10.0.0.5:3000")
	deviceID := flag.String("device-id", "", "Device identity to register under")
	token := flag.String("token", os.Getenv("GATEWAY_TOKEN"), "Auth token (or GATEWAY_TOKEN env)")
	execCmd := flag.String("exec", "", "Command to run for each call; receives the number as argument")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("phoned %s\n", Version)
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if *server == "" || *deviceID == "" {
		log.Fatal().Msg("both -server and -device-id are required")
	}

	cfg := device.Config{
		ServerURL: *server,
		DeviceID:  *deviceID,
		Token:     *token,
	}

	// The exec handler needs the client back for status reports, so the
	// client is wired in after construction.
	var handler device.CallHandler
	if *execCmd != "" {
		handler = &execHandler{command: *execCmd, log: log}
	} else {
		handler = &logHandler{log: log}
	}

	client, err := device.NewClient(cfg, handler, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client")
	}
	if h, ok := handler.(*execHandler); ok {
		h.client = client
	}

	client.Connect()
	log.Info().Str("server", *server).Str("device", *deviceID).Msg("phoned started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	client.Disconnect()
}
