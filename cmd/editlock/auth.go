package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/editlock"
	"pkt.systems/editlock/tlsutil"
)

const (
	defaultCAFile         = "ca.pem"
	defaultServerCertFile = "server.pem"
	defaultServerKeyFile  = "server.key"
	defaultDenylistFile   = "denylist.txt"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "auth",
		Short:        "Manage certificates for mutual TLS",
		SilenceUsage: true,
	}
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a CA, a server certificate or a client bundle",
	}
	newCmd.AddCommand(newAuthNewCACommand())
	newCmd.AddCommand(newAuthNewServerCommand())
	newCmd.AddCommand(newAuthNewClientCommand())
	cmd.AddCommand(newCmd)
	cmd.AddCommand(newAuthRevokeCommand())
	cmd.AddCommand(newAuthInspectCommand())
	return cmd
}

func defaultAuthPath(name string) (string, error) {
	dir, err := editlock.DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func newAuthNewCACommand() *cobra.Command {
	var out string
	var cn string
	var validity time.Duration
	var force bool

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create a certificate authority (certificate and key in one PEM file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				path, err := defaultAuthPath(defaultCAFile)
				if err != nil {
					return err
				}
				out = path
			}
			ca, err := tlsutil.GenerateCA(cn, validity)
			if err != nil {
				return err
			}
			data := append(append([]byte{}, ca.CertPEM...), ca.KeyPEM...)
			if err := writeFile(out, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA written to %s (expires %s)\n", out, humanize.Time(ca.Cert.NotAfter))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default $HOME/.editlock/ca.pem)")
	cmd.Flags().StringVar(&cn, "cn", "editlock-ca", "CA common name")
	cmd.Flags().DurationVar(&validity, "validity", 10*365*24*time.Hour, "CA validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func newAuthNewServerCommand() *cobra.Command {
	var caPath string
	var certOut string
	var keyOut string
	var hosts []string
	var validity time.Duration
	var force bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Issue a server certificate signed by the CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := loadCAFlag(caPath)
			if err != nil {
				return err
			}
			if certOut == "" {
				if certOut, err = defaultAuthPath(defaultServerCertFile); err != nil {
					return err
				}
			}
			if keyOut == "" {
				if keyOut, err = defaultAuthPath(defaultServerKeyFile); err != nil {
					return err
				}
			}
			issued, err := ca.IssueServer(hosts, validity)
			if err != nil {
				return err
			}
			if err := writeFile(certOut, issued.CertPEM, force); err != nil {
				return err
			}
			if err := writeFile(keyOut, issued.KeyPEM, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server certificate %s written to %s (key %s)\n", issued.Serial, certOut, keyOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&caPath, "ca-in", "", "CA PEM (default $HOME/.editlock/ca.pem)")
	cmd.Flags().StringVar(&certOut, "cert-out", "", "certificate output path (default $HOME/.editlock/server.pem)")
	cmd.Flags().StringVar(&keyOut, "key-out", "", "key output path (default $HOME/.editlock/server.key)")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "DNS names and IPs (default localhost and loopback)")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func newAuthNewClientCommand() *cobra.Command {
	var caPath string
	var out string
	var user string
	var email string
	var roles []string
	var validity time.Duration
	var force bool

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Issue a client bundle carrying an editor identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			user = strings.TrimSpace(user)
			if user == "" {
				return errors.New("--user is required")
			}
			ca, err := loadCAFlag(caPath)
			if err != nil {
				return err
			}
			if out == "" {
				if out, err = defaultAuthPath("client-" + user + ".pem"); err != nil {
					return err
				}
			}
			issued, err := ca.IssueClient(tlsutil.ClientCertRequest{
				UserID:   user,
				Email:    email,
				Roles:    roles,
				Validity: validity,
			})
			if err != nil {
				return err
			}
			bundle, err := tlsutil.EncodeClientBundle(ca.CertPEM, issued.CertPEM, issued.KeyPEM)
			if err != nil {
				return err
			}
			if err := writeFile(out, bundle, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client bundle for %s (serial %s) written to %s\n", user, issued.Serial, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&caPath, "ca-in", "", "CA PEM (default $HOME/.editlock/ca.pem)")
	cmd.Flags().StringVar(&out, "out", "", "bundle output path (default $HOME/.editlock/client-<user>.pem)")
	cmd.Flags().StringVar(&user, "user", "", "user id (certificate common name)")
	cmd.Flags().StringVar(&email, "email", "", "user email (certificate SAN)")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles (certificate organizational units)")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func newAuthRevokeCommand() *cobra.Command {
	var denylistPath string

	cmd := &cobra.Command{
		Use:   "revoke SERIAL [SERIAL...]",
		Short: "Add client certificate serials to the denylist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if denylistPath == "" {
				path, err := defaultAuthPath(defaultDenylistFile)
				if err != nil {
					return err
				}
				denylistPath = path
			}
			var existing []string
			if _, err := os.Stat(denylistPath); err == nil {
				if existing, err = tlsutil.LoadDenylist(denylistPath); err != nil {
					return err
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat denylist: %w", err)
			}
			serials := tlsutil.NormalizeSerials(append(existing, args...))
			if err := os.MkdirAll(filepath.Dir(denylistPath), 0o755); err != nil {
				return fmt.Errorf("create denylist dir: %w", err)
			}
			data := "# revoked client certificate serials\n" + strings.Join(serials, "\n") + "\n"
			if err := os.WriteFile(denylistPath, []byte(data), 0o600); err != nil {
				return fmt.Errorf("write denylist: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "denylist %s now holds %d serial(s); restart the server to apply\n", denylistPath, len(serials))
			return nil
		},
	}
	cmd.Flags().StringVar(&denylistPath, "denylist", "", "denylist path (default $HOME/.editlock/denylist.txt)")
	return cmd
}

func newAuthInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect BUNDLE",
		Short: "Show the identity carried by a client bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := tlsutil.LoadClientBundle(args[0])
			if err != nil {
				return err
			}
			printClientCert(cmd.OutOrStdout(), bundle)
			return nil
		},
	}
}

func printClientCert(w io.Writer, bundle *tlsutil.ClientBundle) {
	cert := bundle.ClientCert
	fmt.Fprintf(w, "user:    %s\n", cert.Subject.CommonName)
	if len(cert.EmailAddresses) > 0 {
		fmt.Fprintf(w, "email:   %s\n", strings.Join(cert.EmailAddresses, ", "))
	}
	if len(cert.Subject.OrganizationalUnit) > 0 {
		fmt.Fprintf(w, "roles:   %s\n", strings.Join(cert.Subject.OrganizationalUnit, ", "))
	}
	fmt.Fprintf(w, "serial:  %s\n", cert.SerialNumber.Text(16))
	fmt.Fprintf(w, "expires: %s (%s)\n", cert.NotAfter.UTC().Format(time.RFC3339), humanize.Time(cert.NotAfter))
	fmt.Fprintf(w, "issuer:  %s\n", cert.Issuer.CommonName)
}

func loadCAFlag(path string) (*tlsutil.CA, error) {
	if path == "" {
		p, err := defaultAuthPath(defaultCAFile)
		if err != nil {
			return nil, err
		}
		path = p
	}
	ca, err := tlsutil.LoadCA(path)
	if err != nil {
		return nil, fmt.Errorf("load CA: %w", err)
	}
	return ca, nil
}

func writeFile(path string, data []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
