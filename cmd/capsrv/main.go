// Command capsrv controls a camera, filter wheel and timer for astronomical
// capture, either as an HTTP server or as a one-shot command line capture.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/maruel/interrupt"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/astrocap/logging"
	"github.com/nasa-jpl/astrocap/prompt"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "capsrv.yml"
	k              = koanf.New(".")
)

func setupconfig(path string) error {
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	return nil
}

// loadConfig decodes the loaded configuration.  Enumerations such as output
// formats and timer modes are written by name in the file, so text
// unmarshalers are honored.
func loadConfig() (Config, error) {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc()),
			Result:           &c,
			TagName:          "koanf",
			WeaklyTypedInput: true,
		},
	})
	return c, err
}

func configureLogging(c Config) {
	logging.Configure(logging.Config{Level: c.Log.Level, Console: c.Log.Console, Service: "capsrv"})
}

func mkconf(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	return yml.NewEncoder(cmd.OutOrStdout()).Encode(c)
}

// signalContext is cancelled on Ctrl-C
func signalContext() (context.Context, context.CancelFunc) {
	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-interrupt.Channel:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func run(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	configureLogging(c)
	log := logging.WithComponent("capsrv")

	q := prompt.NewQueue(100, logging.WithComponent("prompt"))
	rig, err := BuildRig(c, q)
	if err != nil {
		return err
	}
	defer rig.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := rig.Connect(ctx, c.ConnectTimeout, log); err != nil {
		return err
	}

	mux, hc := BuildMux(c, rig, q)
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", c.Addr).Msg("now listening for requests")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		hc.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "capsrv",
		Short: "capsrv records astronomical video and image series",
		Long: `capsrv records from a camera to SER, AVI, MOV, FITS, TIFF or PNG, optionally
stepping a filter wheel between runs and synchronizing exposures with an
external timer.  It runs as an HTTP server, or captures once from the command
line.

capsrv is amenable to configuration via its .yml file; "capsrv mkconf" writes
the defaults to capsrv.yml.  Device types:
- camera: "sim"
- wheel:  "sim", "xagyl", "none"
- timer:  "sim", "ptr", "none"`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupconfig(cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", ConfigFileName, "configuration file")

	root.AddCommand(
		&cobra.Command{Use: "run", Short: "serve the HTTP interface", Args: cobra.NoArgs, RunE: run},
		newCaptureCmd(),
		&cobra.Command{Use: "mkconf", Short: "write the configuration to " + ConfigFileName, Args: cobra.NoArgs, RunE: mkconf},
		&cobra.Command{Use: "conf", Short: "print the configuration", Args: cobra.NoArgs, RunE: printconf},
		&cobra.Command{Use: "version", Short: "print the version", Args: cobra.NoArgs, Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "capsrv version %v\n", Version)
		}},
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
