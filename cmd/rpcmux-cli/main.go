// Command rpcmux-cli subscribes to a remote method and prints every
// notification it receives, reconnecting on transport loss. Modeled on
// the teacher's cmd/newblocks, generalized from a hardcoded "newBlocks"
// subscription to a subscribe/unsubscribe method pair taken from the
// positional arguments. The subscribe call is sent without params.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nodekit-run/rpcmux"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalln(err)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "rpcmux-cli <url> <subscribe-method> <unsubscribe-method>",
		Short: "Subscribe to a JSON-RPC method over rpcmux and print notifications",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, args[0], args[1], args[2])
		},
	}

	_ = godotenv.Load()

	flags := cmd.Flags()
	flags.Uint32("max-concurrent-requests", 256, "maximum in-flight request id slots")
	flags.Duration("request-timeout", 30*time.Second, "per-request reply deadline")
	flags.Uint32("subscription-channel-capacity", 64, "per-subscription notification buffer size")
	flags.Duration("connect-timeout", 10*time.Second, "dial timeout")
	flags.Uint32("max-request-body-size", 0, "reject outbound params larger than this many bytes (0 disables)")
	flags.String("config", "", "optional config file (yaml/json/toml) overlaying the flags above")

	// Bind each flag under the underscore key ClientOptions' mapstructure
	// tags use, so loadOptions decodes the flag values.
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	v.SetEnvPrefix("RPCMUX")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if path := v.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				log.Println("config file not loaded:", err)
				return
			}
			v.OnConfigChange(func(e fsnotify.Event) {
				log.Println("config changed:", e.Name)
			})
			v.WatchConfig()
		}
	})

	return cmd
}

func loadOptions(v *viper.Viper) (rpcmux.ClientOptions, error) {
	var opts rpcmux.ClientOptions
	err := v.Unmarshal(&opts, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()))
	return opts, err
}

func run(ctx context.Context, v *viper.Viper, url, subMethod, unsubMethod string) error {
	opts, err := loadOptions(v)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		log.Println("bye")
		cancel()
	}()

	for {
		sub, client, err := connectAndSubscribe(ctx, url, subMethod, unsubMethod, opts)
		if err != nil {
			log.Println("subscribe failed:", err)
			if waitOrDone(ctx, 2*time.Second) {
				return nil
			}
			continue
		}

		for {
			payload, err := sub.Next(ctx)
			if err != nil {
				log.Println("subscription ended:", err)
				break
			}
			fmt.Println(string(payload))
		}
		client.Close()

		if ctx.Err() != nil {
			return nil
		}
		log.Println("connection lost, reconnecting")
		if waitOrDone(ctx, 2*time.Second) {
			return nil
		}
	}
}

func connectAndSubscribe(ctx context.Context, url, subMethod, unsubMethod string, opts rpcmux.ClientOptions) (*rpcmux.Subscription, *rpcmux.Client, error) {
	client, err := rpcmux.Dial(ctx, url, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	params, err := rpcmux.NewPositionalParams()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	sub, err := client.Subscribe(ctx, subMethod, params, unsubMethod)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}
	log.Println("connected, subscribed to", subMethod)
	return sub, client, nil
}

func waitOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}
