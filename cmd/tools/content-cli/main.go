package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/annel0/scene-engine/internal/auth"
	"github.com/annel0/scene-engine/internal/config"
	"github.com/annel0/scene-engine/internal/content"
	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/pkgstore"
	"github.com/annel0/scene-engine/internal/logging"
)

// Globals общие флаги команд
type Globals struct {
	Config  string `help:"YAML configuration file (falls back to CONTENT_CONFIG)." short:"c" type:"path"`
	Folder  string `help:"Content folder, overrides the configuration." short:"f"`
	Verbose bool   `help:"Log DEBUG and above." short:"v"`
}

// open открывает менеджер без фонового воркера: очередь обрабатывается при Close
func (g *Globals) open() (*content.Manager, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("конфигурация: %w", err)
	}
	if g.Folder != "" {
		cfg.Content.Folder = g.Folder
	}
	level := logging.WARN
	if g.Verbose {
		level = logging.DEBUG
	}

	opts := content.OptionsFromConfig(&cfg.Content)
	opts.Manual = true
	opts.Logger = logging.NewConsoleLogger("content-cli", os.Stderr, level)
	return content.NewManager(opts)
}

type ListCmd struct {
	Package string   `help:"Only elements of this package." short:"p"`
	Path    string   `help:"Only elements under this path."`
	Kind    []string `help:"Only these kinds (Mesh, Material, Texture, ...)." short:"k"`
}

func (c *ListCmd) Run(g *Globals) error {
	m, err := g.open()
	if err != nil {
		return err
	}
	defer m.Close()

	f := content.Filter{Package: c.Package, PathPrefix: c.Path}
	for _, name := range c.Kind {
		kind, err := element.ParseKind(name)
		if err != nil {
			return err
		}
		f.Kinds = append(f.Kinds, kind)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tOFFSET\tSIZE")
	for _, h := range m.GetElements(f) {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", h.ID, h.Kind, h.FullName(), h.PackageOffset, h.SavedSize)
	}
	return w.Flush()
}

type PathsCmd struct {
	Package string `arg:"" optional:"" help:"Package name; all packages when omitted."`
}

func (c *PathsCmd) Run(g *Globals) error {
	m, err := g.open()
	if err != nil {
		return err
	}
	defer m.Close()

	packages := m.GetPackages()
	if c.Package != "" {
		packages = []string{c.Package}
	}
	for _, pkg := range packages {
		for _, path := range m.GetPaths(pkg) {
			fmt.Println(element.JoinFullPath(pkg, path))
		}
	}
	return nil
}

type ImportCmd struct {
	Files []string `arg:"" help:"Package files to import." type:"existingfile"`
}

func (c *ImportCmd) Run(g *Globals) error {
	m, err := g.open()
	if err != nil {
		return err
	}
	defer m.Close()

	failed := 0
	for _, file := range c.Files {
		before := m.Stats().Elements
		if !m.ImportPackage(file) {
			failed++
		}
		fmt.Printf("%s: %d элементов\n", file, m.Stats().Elements-before)
	}
	if failed > 0 {
		return fmt.Errorf("импорт прерван в %d файлах", failed)
	}
	return nil
}

type ExportCmd struct {
	Element string `arg:"" help:"Element id or full name (package#path\\name)."`
	File    string `arg:"" help:"Target package file." type:"path"`
}

func (c *ExportCmd) Run(g *Globals) error {
	m, err := g.open()
	if err != nil {
		return err
	}
	defer m.Close()

	id, err := resolve(m, c.Element)
	if err != nil {
		return err
	}
	if !m.ExportToPackage(c.File, id) {
		return fmt.Errorf("экспорт %s не выполнен", c.Element)
	}
	return nil
}

type InspectCmd struct {
	File string `arg:"" help:"Package file to scan." type:"existingfile"`
}

// Run печатает записи файла пакета, не открывая хранилище
func (c *InspectCmd) Run() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OFFSET\tID\tKIND\tNAME\tSIZE")
	err := pkgstore.Scan(c.File, func(el element.Element, offset int64) error {
		h := el.Header()
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\n", offset, h.ID, h.Kind, h.FullName(), el.Size())
		return nil
	})
	if flushErr := w.Flush(); err == nil {
		err = flushErr
	}
	return err
}

type BackupsCmd struct {
	Element string `arg:"" help:"Element id or full name."`
}

func (c *BackupsCmd) Run(g *Globals) error {
	m, err := g.open()
	if err != nil {
		return err
	}
	defer m.Close()

	id, err := resolve(m, c.Element)
	if err != nil {
		// Удалённый элемент ищется только по id.
		n, parseErr := strconv.ParseInt(c.Element, 10, 64)
		if parseErr != nil {
			return err
		}
		id = element.ID(n)
	}
	entries, err := m.ListBackups(id)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tERASE\tSIZE\tFILE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Erase, e.Size, e.File)
	}
	return w.Flush()
}

type TokenCmd struct {
	Subject string        `arg:"" help:"Token subject (user or service name)."`
	Secret  string        `help:"Base64 signing key; falls back to CONTENT_API_SECRET." env:"CONTENT_API_SECRET"`
	Viewer  bool          `help:"Issue a token without editor rights."`
	TTL     time.Duration `help:"Token lifetime." default:"24h"`
}

func (c *TokenCmd) Run() error {
	if c.Secret == "" {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "CONTENT_API_SECRET=%s\n", secret)
		c.Secret = secret
	}
	issuer, err := auth.NewIssuer(c.Secret)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(c.Subject, !c.Viewer, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// resolve разбирает id или полное имя элемента
func resolve(m *content.Manager, ref string) (element.ID, error) {
	if strings.Contains(ref, element.PackageSeparator) {
		h := m.GetElementByName(ref, false, false)
		if h == nil {
			return element.InvalidID, fmt.Errorf("элемент %s не найден", ref)
		}
		defer h.Release()
		return h.ID(), nil
	}
	n, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return element.InvalidID, fmt.Errorf("неверный идентификатор %q", ref)
	}
	if !m.ContainsElement(element.ID(n)) {
		return element.InvalidID, fmt.Errorf("элемент %d не найден", n)
	}
	return element.ID(n), nil
}

var cli struct {
	Globals

	List    ListCmd    `cmd:"" help:"List catalog elements."`
	Paths   PathsCmd   `cmd:"" help:"List package paths."`
	Import  ImportCmd  `cmd:"" help:"Import external package files into the catalog."`
	Export  ExportCmd  `cmd:"" help:"Append an element to an external package file."`
	Inspect InspectCmd `cmd:"" help:"Print the records of a package file."`
	Backups BackupsCmd `cmd:"" help:"List backup snapshots of an element."`
	Token   TokenCmd   `cmd:"" help:"Issue an API token for contentd."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("content-cli"),
		kong.Description("offline tools for the scene content store"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
