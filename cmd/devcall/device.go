package devcall

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgeflare/devcall/pkg/device"
	"github.com/edgeflare/devcall/pkg/rpc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var deviceCmd = &cobra.Command{
	Use:   "device <uid>",
	Short: "Emulate a device answering actions",
	Long: `Subscribes to <uid>/action<id>/request for every --actions entry and answers
each request with the configured status after --delay. Useful to exercise a
gateway without hardware.`,
	Args: cobra.ExactArgs(1),
	RunE: runDevice,
}

func init() {
	f := deviceCmd.Flags()
	f.StringSliceP("actions", "a", []string{"1"}, "action ids to answer")
	f.String("status", rpc.StatusSuccess, "status sent in every reply")
	f.String("error-code", "", "errorCode sent in every reply")
	f.Duration("delay", 0, "delay before replying")
}

func runDevice(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	actions, _ := f.GetStringSlice("actions")
	status, _ := f.GetString("status")
	code, _ := f.GetString("error-code")
	delay, _ := f.GetDuration("delay")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	r := device.NewResponder(client, args[0],
		device.WithLogger(logger),
		device.WithTopicPrefix(cfg.Call.TopicPrefix))
	defer r.Close()

	reply := device.Fail(status, code)
	for _, action := range actions {
		if err := r.Handle(ctx, action, device.Static(reply, delay)); err != nil {
			return fmt.Errorf("handle action %s: %w", action, err)
		}
	}
	logger.Info("device ready",
		zap.String("uid", r.UID()),
		zap.Strings("actions", r.Actions()),
		zap.String("status", status),
		zap.Duration("delay", delay))

	<-ctx.Done()
	logger.Info("device stopping", zap.String("uid", r.UID()))
	return nil
}
