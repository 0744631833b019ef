package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgserver"
)

const defaultRecentLimit = 10

func (c *CLI) ecosystemArg(s string) (pkgserver.Ecosystem, error) {
	return pkgserver.ParseEcosystem(strings.ToLower(s))
}

func (c *CLI) summaryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show package counts and recent uploads per ecosystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := c.svc.Summaries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range summaries {
				fmt.Fprintf(w, "%s %s\n", styleTitle.Render(s.Ecosystem.String()), styleNumber.Render(strconv.Itoa(s.Count)))
				for _, r := range s.Recent {
					printDetail(w, "%s %s", r.Name, r.Version)
				}
				loggerFromContext(cmd.Context()).Debug("summarized", "ecosystem", s.Ecosystem, "took", s.Took)
			}
			printUpstreamState(w, c.svc.UpstreamState())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultRecentLimit, "recent uploads to show per ecosystem")
	return cmd
}

// printUpstreamState lists the circuit breaker state of every upstream host contacted.
func printUpstreamState(w io.Writer, states map[string]string) {
	hosts := make([]string, 0, len(states))
	for host := range states {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		if states[host] == "open" {
			printWarning(w, "upstream %s unavailable (circuit open)", host)
		} else {
			printKeyValue(w, "upstream", host+" "+states[host])
		}
	}
}

func (c *CLI) countCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count <ecosystem>",
		Short: "Print the number of distinct packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eco, err := c.ecosystemArg(args[0])
			if err != nil {
				return err
			}
			n, err := c.svc.Count(cmd.Context(), eco)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func (c *CLI) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <ecosystem>",
		Short: "List every stored package name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eco, err := c.ecosystemArg(args[0])
			if err != nil {
				return err
			}
			names, err := c.svc.ListAll(cmd.Context(), eco)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func (c *CLI) versionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <ecosystem> <name>",
		Short: "List the stored versions of a package, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eco, err := c.ecosystemArg(args[0])
			if err != nil {
				return err
			}
			versions, err := c.svc.Versions(cmd.Context(), eco, args[1])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, v := range versions {
				size := "-"
				if v.Size > 0 {
					size = humanize.Bytes(uint64(v.Size))
				}
				status := ""
				if v.Status == pkgserver.StatusYanked {
					status = " " + styleYanked.Render(string(v.Status))
				}
				fmt.Fprintf(w, "%-20s %-10s %s%s\n", v.Number, size, v.Locator, status)
			}
			return nil
		},
	}
}

func (c *CLI) recentCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent <ecosystem>",
		Short: "List the most recently uploaded packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eco, err := c.ecosystemArg(args[0])
			if err != nil {
				return err
			}
			recent, err := c.svc.Recent(cmd.Context(), eco, limit)
			if err != nil {
				return err
			}
			for _, r := range recent {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", r.Name, r.Version)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultRecentLimit, "maximum number of entries")
	return cmd
}

func (c *CLI) indexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "index <crate>",
		Short: "Print the sparse index file of a crate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.svc.CargoIndex(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (c *CLI) metadataCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <package>",
		Short: "Print the npm package document as served to clients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.svc.NPMMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if _, err := w.Write(data); err != nil {
				return err
			}
			_, err = fmt.Fprintln(w)
			return err
		},
	}
}

func (c *CLI) cargoConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cargo-config",
		Short: "Print the config.json served at the root of the cargo index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.svc.CargoConfig().JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func (c *CLI) purlCommand() *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "purl <purl>",
		Short: "Resolve a Package URL to its versions and server URLs",
		Example: `  pkgserver purl pkg:cargo/serde
  pkgserver purl --latest pkg:npm/lodash`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pkgserver.ParsePURL(args[0])
			if err != nil {
				return err
			}
			eco, err := p.Ecosystem()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			urls := c.svc.URLs(eco, p.FullName(), p.Version)
			for _, key := range []string{"purl", "registry", "download"} {
				if v, ok := urls[key]; ok {
					printKeyValue(w, key, v)
				}
			}

			if latest {
				v, err := c.svc.LatestVersionFromPURL(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printKeyValue(w, "latest", v.Number)
				return nil
			}
			versions, err := c.svc.VersionsFromPURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, v := range versions {
				printKeyValue(w, "version", v.Number)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "only print the latest version")
	return cmd
}
