package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgserver"
	"github.com/git-pkgs/pkgserver/internal/cargo"
)

func (c *CLI) addCommand() *cobra.Command {
	var name, version string
	cmd := &cobra.Command{
		Use:   "add <ecosystem> <file>",
		Short: "Publish a package file into the local store",
		Long: `Publish a package file into the local store.

cargo accepts a .crate archive or a raw publish body. pypi takes a wheel or sdist whose
filename carries the name and version. npm takes a publish document, or a .tgz together
with --name and --version.`,
		Example: `  pkgserver add cargo demo-lib-0.1.0.crate
  pkgserver add pypi dist/requests-2.31.0-py3-none-any.whl
  pkgserver add npm --name left-pad --version 1.3.0 left-pad-1.3.0.tgz`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eco, err := c.ecosystemArg(args[0])
			if err != nil {
				return err
			}
			path := args[1]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			base := filepath.Base(path)
			meta := pkgserver.UploadMetadata{Name: name, Version: version}
			switch eco {
			case pkgserver.Cargo:
				if data, err = cratePayload(base, data); err != nil {
					return err
				}
			case pkgserver.PyPI:
				meta.Filename = base
			case pkgserver.NPM:
				if strings.HasSuffix(base, ".tgz") && version == "" {
					return fmt.Errorf("%s: --name and --version are required for a tarball", base)
				}
			}

			res, err := c.svc.Upload(cmd.Context(), eco, data, meta)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printSuccess(w, "Published %s %s", res.Name, res.Version)
			printDetail(w, "%s (%s)", res.Filename, humanize.Bytes(uint64(res.Size)))
			printDetail(w, "%s", res.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "package name (npm tarballs)")
	cmd.Flags().StringVar(&version, "version", "", "package version (npm tarballs)")
	return cmd
}

// cratePayload wraps a .crate archive in a publish body. Anything else is passed through
// as an already encoded body.
func cratePayload(filename string, data []byte) ([]byte, error) {
	name, vers, ok := cargo.ParseFilename(filename)
	if !ok {
		return data, nil
	}
	return cargo.EncodePublish(cargo.PublishMetadata{Name: name, Vers: vers}, data)
}

func (c *CLI) fetchCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "fetch <ecosystem> <name> <version|filename>",
		Short: "Download an artifact, falling back to upstream",
		Long: `Download an artifact, falling back to upstream.

The third argument is a version for cargo and the tarball filename for npm.
For pypi it is the distribution filename.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eco, err := c.ecosystemArg(args[0])
			if err != nil {
				return err
			}
			logger := loggerFromContext(cmd.Context())
			prog := newProgress(logger)
			art, err := c.svc.Download(cmd.Context(), eco, args[1], args[2])
			if err != nil {
				return err
			}
			defer art.Body.Close()

			if output == "-" {
				_, err := io.Copy(cmd.OutOrStdout(), art.Body)
				return err
			}
			if output == "" {
				output = art.Filename
			}
			n, err := writeArtifact(output, art.Body)
			if err != nil {
				return err
			}
			prog.done("downloaded", "source", art.Source, "bytes", n)
			printSuccess(cmd.OutOrStdout(), "Fetched %s from %s", art.Filename, art.Source)
			printFile(cmd.OutOrStdout(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path, - for stdout (default: artifact filename)")
	return cmd
}

// writeArtifact streams r into path through a pending file so a failed download leaves
// nothing behind.
func writeArtifact(path string, r io.Reader) (int64, error) {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return 0, err
	}
	defer t.Cleanup()
	n, err := io.Copy(t, r)
	if err != nil {
		return 0, err
	}
	return n, t.CloseAtomicallyReplace()
}

func (c *CLI) removeCommand() *cobra.Command {
	var force, all bool
	cmd := &cobra.Command{
		Use:   "remove <ecosystem> <name> [version]",
		Short: "Remove a version or a whole package",
		Long: `Remove a version or a whole package.

Removing a cargo version only yanks it unless --force is given. --all removes every
version of the package.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eco, err := c.ecosystemArg(args[0])
			if err != nil {
				return err
			}
			name := args[1]

			var res *pkgserver.DeleteResult
			switch {
			case all && len(args) == 3:
				return fmt.Errorf("--all does not take a version")
			case all:
				res, err = c.svc.DeleteAll(cmd.Context(), eco, name)
			case len(args) == 3:
				res, err = c.svc.DeleteVersion(cmd.Context(), eco, name, args[2], force)
			default:
				return fmt.Errorf("a version or --all is required")
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if res.Yanked {
				printInfo(w, "Yanked %s %s (use --force to delete the archive)", name, args[2])
			}
			for _, f := range res.Removed {
				printSuccess(w, "Removed %s", f)
			}
			if res.Warnings != nil {
				printWarning(w, "%v", res.Warnings)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete cargo archives instead of yanking")
	cmd.Flags().BoolVar(&all, "all", false, "remove every version of the package")
	return cmd
}

func (c *CLI) yankCommand(yank bool) *cobra.Command {
	use, short, verb := "yank", "Mark a crate version as yanked", "Yanked"
	if !yank {
		use, short, verb = "unyank", "Clear the yanked flag of a crate version", "Unyanked"
	}
	return &cobra.Command{
		Use:   use + " <crate> <version>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if yank {
				err = c.svc.Yank(cmd.Context(), args[0], args[1])
			} else {
				err = c.svc.Unyank(cmd.Context(), args[0], args[1])
			}
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s %s %s", verb, args[0], args[1])
			return nil
		},
	}
}
