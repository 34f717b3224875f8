package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/editlock/internal/diagnostics/storagecheck"
)

func newVerifyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(a))
	return cmd
}

func newVerifyStoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:          "store",
		Short:        "Verify that the configured store supports conditional writes",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify a disk store
EDITLOCK_STORE=disk:///var/lib/editlock editlock verify store

# Verify MinIO
EDITLOCK_STORE='s3://localhost:9000/editlock?insecure=1' EDITLOCK_S3_ACCESS_KEY_ID=minio EDITLOCK_S3_SECRET_ACCESS_KEY=minio123 editlock verify store

# Verify PostgreSQL
EDITLOCK_STORE=postgres://editlock@db/editlock editlock verify store
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.loadConfigFile(); err != nil {
				return err
			}
			cfg, err := a.serverConfig()
			if err != nil {
				return err
			}
			res, err := storagecheck.VerifyStore(cmd.Context(), cfg, a.subsystem("cli.verify"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", res.Store)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			if cred := res.Credentials; cred != nil {
				accessKey := cred.AccessKey
				if accessKey == "" {
					accessKey = "(none)"
				}
				fmt.Fprintf(out, "Credentials: %s (access key %s, secret:%t)\n", cred.Source, accessKey, cred.HasSecret)
			}
			for _, check := range res.Checks {
				if check.Err != nil {
					fmt.Fprintf(out, "FAIL %-24s %v\n", check.Name, check.Err)
					continue
				}
				fmt.Fprintf(out, "ok   %s\n", check.Name)
			}
			if !res.Passed() {
				return errors.New("store verification failed")
			}
			fmt.Fprintln(out, "store verification passed")
			return nil
		},
	}
}
