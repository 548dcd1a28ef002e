package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/extforge/pkg/archive"
	"github.com/platinummonkey/extforge/pkg/manifest"
	"github.com/platinummonkey/extforge/pkg/signing"
)

func newVerifyCommand(a *app) *cobra.Command {
	var caPath string
	cmd := &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check the signature of a built archive",
		Long: `Check that an outer archive holds the inner archive and a CMS signature
over it. With --ca the signer certificate must also chain to that CA.`,
		Args: cobra.ExactArgs(1),
		// verify works on any archive and needs no project configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			outer, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			inner, sig, err := archive.SplitOuter(outer)
			if err != nil {
				return err
			}

			var roots *x509.CertPool
			if caPath != "" {
				pemData, err := os.ReadFile(caPath)
				if err != nil {
					return err
				}
				roots = x509.NewCertPool()
				if !roots.AppendCertsFromPEM(pemData) {
					return fmt.Errorf("no certificates found in %s", caPath)
				}
			}

			signer, err := signing.Verify(inner, sig, roots)
			if err != nil {
				return err
			}

			entries, err := archive.Entries(inner)
			if err != nil {
				return err
			}
			text, ok := entries[manifest.DefaultFileName]
			if !ok {
				return errors.New("inner archive has no " + manifest.DefaultFileName)
			}
			m, err := manifest.Parse(text)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%s %s: signature OK\n", m.Name, m.Version)
			fmt.Fprintf(a.out, "  signer: %s\n", signer.Subject.CommonName)
			fmt.Fprintf(a.out, "  files: %d\n", len(entries))
			fmt.Fprintf(a.out, "  blake3: %s\n", archive.Digest(outer))
			return nil
		},
	}
	cmd.Flags().StringVar(&caPath, "ca", "", "CA certificate (PEM) the signer must chain to")
	return cmd
}
