package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/satlink-project/satlink/internal/client"
	"github.com/satlink-project/satlink/internal/network"
	"github.com/satlink-project/satlink/internal/pipeline"
)

var (
	sendAddr     string
	sendOut      string
	sendTimeout  time.Duration
	sendLogLevel string
	sendDiscover string
)

var sendCmd = &cobra.Command{
	Use:   "send <file.wav|->",
	Short: "Upload a recording the way a device does and save the response",
	Long: "send plays the device side of one transaction against a running server:\n" +
		"handshake, chunked upload, then the acknowledged download of the response.\n" +
		"Use - to read the recording from stdin and --out - to write the response to stdout.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initConsoleLogger(sendLogLevel)

		audio, err := readInput(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		if h, err := pipeline.ParseWAVHeader(audio); err == nil {
			log.Info().
				Uint32("sample_rate", h.SampleRate).
				Uint16("channels", h.Channels).
				Uint16("bits", h.BitsPerSample).
				Uint32("data_bytes", h.DataSize).
				Msg("input recording")
		} else {
			log.Debug().Err(err).Msg("input is not a WAV file, sending raw bytes")
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		addr := sendAddr
		if sendDiscover != "" {
			found, a, err := network.Discover(ctx, sendDiscover, 3*time.Second)
			if err != nil {
				return err
			}
			log.Info().Str("addr", found).Str("name", a.Name).Str("version", a.ServerVersion).Msg("server discovered")
			addr = found
		}

		res, err := client.New(client.DefaultConfig(addr)).Transact(ctx, audio)
		if err != nil {
			return fmt.Errorf("transaction failed: %w", err)
		}

		if err := writeOutput(sendOut, res.Audio, cmd.OutOrStdout()); err != nil {
			return err
		}

		log.Info().
			Int("sent_bytes", len(audio)).
			Int("received_bytes", len(res.Audio)).
			Int("chunks_sent", res.Sent).
			Int("chunks_received", res.Received).
			Dur("took", res.Took).
			Str("out", sendOut).
			Msg("transaction complete")
		return nil
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendAddr, "addr", "a", "127.0.0.1:5000", "server address")
	f.StringVarP(&sendOut, "out", "o", "response.wav", "where to write the response")
	f.DurationVar(&sendTimeout, "timeout", 2*time.Minute, "overall transaction deadline")
	f.StringVar(&sendDiscover, "discover", "", "find the server by probing this UDP address (e.g. 255.255.255.255:5001) instead of --addr")
	f.StringVar(&sendLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// initConsoleLogger logs to stderr only so stdout stays free for --out -.
func initConsoleLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().
		Timestamp().
		Logger()
}

func readInput(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return b, nil
}

func writeOutput(name string, data []byte, stdout io.Writer) error {
	if name == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(name, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
