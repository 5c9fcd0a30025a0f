package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codelaboratoryltd/netgrant/pkg/coa"
)

var (
	coaNASIP      string
	coaCmdSecret  string
	coaSecretPath string
	coaCmdPort    int
	coaCmdTimeout time.Duration
	coaUsername   string
)

var coaCmd = &cobra.Command{
	Use:   "coa",
	Short: "Send one-off RADIUS CoA/Disconnect requests to a NAS",
}

var coaAuthorizeCmd = &cobra.Command{
	Use:   "authorize <mac>",
	Short: "Send a CoA-Request authorizing a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coaExchange(args[0], func(ctx context.Context, c *coa.Client, mac string) (uint8, error) {
			return c.SendCoA(ctx, mac, coaUsername, "")
		})
	},
}

var coaDisconnectCmd = &cobra.Command{
	Use:   "disconnect <mac>",
	Short: "Send a Disconnect-Request tearing down a client session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coaExchange(args[0], func(ctx context.Context, c *coa.Client, mac string) (uint8, error) {
			return c.SendDisconnect(ctx, mac, coaUsername, "")
		})
	},
}

var coaProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the NAS answers CoA requests at all",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCoAClient()
		if err != nil {
			return err
		}

		if err := c.Probe(); err != nil {
			return fmt.Errorf("NAS unreachable: %w", err)
		}
		fmt.Println("NAS CoA port is reachable")
		return nil
	},
}

func init() {
	pf := coaCmd.PersistentFlags()
	pf.StringVar(&coaNASIP, "nas-ip", "", "NAS address")
	pf.IntVar(&coaCmdPort, "port", coa.DefaultPort, "NAS CoA/Disconnect port")
	pf.StringVar(&coaCmdSecret, "secret", "",
		"RADIUS shared secret (DEPRECATED: visible in ps output, use --secret-file instead)")
	pf.StringVar(&coaSecretPath, "secret-file", "",
		"Path to file containing the RADIUS shared secret")
	pf.DurationVar(&coaCmdTimeout, "timeout", coa.DefaultTimeout, "Exchange timeout")
	pf.StringVar(&coaUsername, "username", "", "User-Name attribute value")

	coaCmd.AddCommand(coaAuthorizeCmd, coaDisconnectCmd, coaProbeCmd)
}

func newCoAClient() (*coa.Client, error) {
	logger, err := initLogger(logLevel)
	if err != nil {
		return nil, err
	}

	secret := resolveSecret(coaCmdSecret, coaSecretPath, "secret", "secret-file", logger)
	return coa.NewClient(coa.ClientConfig{
		NASIP:   coaNASIP,
		Port:    coaCmdPort,
		Secret:  secret,
		Timeout: coaCmdTimeout,
	}, logger)
}

func coaExchange(mac string, send func(context.Context, *coa.Client, string) (uint8, error)) error {
	c, err := newCoAClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), coaCmdTimeout)
	defer cancel()

	code, err := send(ctx, c, mac)
	if err != nil {
		return err
	}

	fmt.Printf("NAS replied %s\n", coa.CodeName(code))
	if code == coa.CodeCoANAK || code == coa.CodeDisconnectNAK {
		return fmt.Errorf("request rejected by NAS")
	}
	return nil
}
