package ptnotes

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func Commands(conf *Configuration) []*cobra.Command {
	return []*cobra.Command{
		// engagement management
		projectsCommand(conf),
		// scan data
		importCommand(conf),
		correlateCommand(conf),
		// report surface
		serveCommand(conf),
	}
}

func openProject(reg *storeRegistry, id uint) (*Project, *scanRepo, error) {
	proj, err := reg.Projects().Project(id)
	if err != nil {
		return nil, nil, err
	}
	if proj == nil {
		return nil, nil, errors.Errorf("no project with id %d", id)
	}
	return proj, reg.ScanStore(proj), nil
}

type ProjectFlags struct {
	Create string
	Delete uint
	Rename string
}

func projectsCommand(conf *Configuration) *cobra.Command {
	var f ProjectFlags
	var id uint

	cmd := &cobra.Command{
		Use:     "projects [--create name | --delete id | --rename name -P id]",
		Short:   "List, create or delete engagements",
		GroupID: "manage",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := newStoreRegistry(conf)

			switch {
			case cmd.Flags().Changed("create"):
				proj, err := reg.Projects().CreateProject(f.Create)
				if err != nil {
					return err
				}
				fmt.Printf("%d\t%s\n", proj.ID, proj.Name)
				return nil

			case cmd.Flags().Changed("delete"):
				proj, _, err := openProject(reg, f.Delete)
				if err != nil {
					return err
				}
				return reg.DeleteProject(proj)

			case cmd.Flags().Changed("rename"):
				return reg.Projects().RenameProject(id, f.Rename)
			}

			projs, err := reg.Projects().Projects()
			if err != nil {
				return err
			}
			for _, proj := range projs {
				stats, err := reg.ScanStore(proj).Stats()
				if err != nil {
					return err
				}
				fmt.Printf("%d\t%s\t%d hosts, %d items, %d attacks\n",
					proj.ID, proj.Name, stats.Hosts, stats.Items, stats.Attacks)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.Create, "create", "", "Create an engagement with the given name")
	flags.UintVar(&f.Delete, "delete", 0, "Delete the engagement with the given id")
	flags.StringVar(&f.Rename, "rename", "", "Rename the engagement given with -P")
	flags.UintVarP(&id, "project", "P", 0, "Project id, required for --rename")

	cmd.MarkFlagsMutuallyExclusive("create", "delete", "rename")
	cmd.MarkFlagsRequiredTogether("rename", "project")

	return cmd
}

type ImportFlags struct {
	Project     uint
	Force       bool
	NoCorrelate bool
	Catalog     string
}

func importCommand(conf *Configuration) *cobra.Command {
	var f ImportFlags

	cmd := &cobra.Command{
		Use:   "import file... -P project [--force] [--no-correlate]",
		Short: "Import scanner output files into an engagement",
		Long: `
		Each file is absorbed independently: one bad file does not stop
		the batch. Re-importing a filename is a no-op unless --force
		clears its ledger entry first. Correlation runs after the batch
		unless --no-correlate is set.
		`,
		GroupID: "run",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := newStoreRegistry(conf)
			_, store, err := openProject(reg, f.Project)
			if err != nil {
				return err
			}

			importer := NewImporter(store)
			var failed int
			for _, fpath := range args {
				report := importFile(importer, fpath, f.Force)
				if report.Outcome == OutcomeFailed {
					failed++
				}
				fmt.Printf("%s\t%s", report.Filename, report.Outcome)
				if report.Reason != "" {
					fmt.Printf("\t%s", report.Reason)
				}
				fmt.Println()
			}

			if !f.NoCorrelate {
				catalog, err := LoadCatalog(catalogPath(conf, f.Catalog))
				if err != nil {
					return err
				}
				if _, err := NewCorrelator(store, catalog).FindAttacks(); err != nil {
					return err
				}
			}

			if failed > 0 {
				return errors.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.UintVarP(&f.Project, "project", "P", 0, "Project id to import into")
	flags.BoolVar(&f.Force, "force", false, "Re-absorb files already in the import ledger")
	flags.BoolVar(&f.NoCorrelate, "no-correlate", false, "Skip the correlation run after the batch")
	flags.StringVar(&f.Catalog, "catalog", "", "Signature catalog file (defaults to the config dir, then built-ins)")

	if err := cmd.MarkFlagRequired("project"); err != nil {
		panic(err)
	}
	return cmd
}

func importFile(importer *Importer, fpath string, force bool) ImportReport {
	raw, err := os.ReadFile(fpath)
	if err != nil {
		return failedReport(fpath, err)
	}

	if force {
		if err := importer.ClearLedger(fpath); err != nil {
			return failedReport(fpath, err)
		}
	}
	return importer.ImportDocument(raw, fpath)
}

func correlateCommand(conf *Configuration) *cobra.Command {
	var (
		project uint
		catalog string
	)

	cmd := &cobra.Command{
		Use:     "correlate -P project [--catalog file]",
		Short:   "Match stored findings against the signature catalog",
		GroupID: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := newStoreRegistry(conf)
			_, store, err := openProject(reg, project)
			if err != nil {
				return err
			}

			cat, err := LoadCatalog(catalogPath(conf, catalog))
			if err != nil {
				return err
			}

			n, err := NewCorrelator(store, cat).FindAttacks()
			if err != nil {
				return err
			}
			fmt.Printf("%d attacks\n", n)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.UintVarP(&project, "project", "P", 0, "Project id to correlate")
	flags.StringVar(&catalog, "catalog", "", "Signature catalog file (defaults to the config dir, then built-ins)")

	if err := cmd.MarkFlagRequired("project"); err != nil {
		panic(err)
	}
	return cmd
}

func serveCommand(conf *Configuration) *cobra.Command {
	var (
		addr    string
		catalog string
	)

	cmd := &cobra.Command{
		Use:     "serve [--addr host:port]",
		Short:   "Serve the engagement report API",
		GroupID: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := &Services{
				Registry: newStoreRegistry(conf),
				Catalog:  catalogPath(conf, catalog),
			}
			return NewServer(addr, svc).Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	// no authentication exists, keep the default bind on loopback
	flags.StringVar(&addr, "addr", "127.0.0.1:8000", "Listen address")
	flags.StringVar(&catalog, "catalog", "", "Signature catalog file (defaults to the config dir, then built-ins)")

	return cmd
}

func catalogPath(conf *Configuration, override string) string {
	if override != "" {
		return override
	}
	return conf.Catalog()
}
