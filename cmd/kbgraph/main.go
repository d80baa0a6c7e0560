package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/latebit/kbgraph/internal/api"
	"github.com/latebit/kbgraph/internal/app"
	"github.com/latebit/kbgraph/internal/auth"
	"github.com/latebit/kbgraph/internal/config"
	"github.com/latebit/kbgraph/internal/export"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/health"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/logging"
	"github.com/latebit/kbgraph/internal/ratelimit"
	"github.com/latebit/kbgraph/internal/tlsconf"
	"github.com/latebit/kbgraph/internal/tokens"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kbgraph graph [flags] KB0010001   crawl from an article and print the graph\n")
	fmt.Fprintf(os.Stderr, "       kbgraph check [flags] KB0010001   crawl and report broken links\n")
	fmt.Fprintf(os.Stderr, "       kbgraph serve [flags] KB0010001   serve the graph over HTTP\n")
	fmt.Fprintf(os.Stderr, "       kbgraph token <add|remove|list>   manage stored session tokens\n")
	fmt.Fprintf(os.Stderr, "       kbgraph apikey [flags]            generate an API key for serve -keys\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "graph":
		err = runGraph(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "check":
		var broken int
		broken, err = runCheck(ctx, os.Args[2:], os.Stdout, os.Stderr)
		if err == nil && broken > 0 {
			os.Exit(2)
		}
	case "serve":
		err = runServe(ctx, os.Args[2:], os.Stderr)
	case "token":
		err = runToken(os.Args[2:], tokens.DefaultPath(), os.Stdout)
	case "apikey":
		err = runAPIKey(os.Args[2:], os.Stdout, os.Stderr)
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// sessionFlags are the settings every crawling subcommand accepts. Flags
// that are set override the config file and environment.
type sessionFlags struct {
	configPath   string
	instance     string
	token        string
	articlesDir  string
	maxNodes     int
	showExternal bool
	insecure     bool
	http3        bool
	logLevel     string
}

func (f *sessionFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "config file (default ~/.kbgraph/config.toml if present)")
	fs.StringVar(&f.instance, "instance", "", "instance URL, e.g. https://acme.service-now.com (env: KBGRAPH_INSTANCE)")
	fs.StringVar(&f.token, "token", "", "session token (env: KBGRAPH_TOKEN)")
	fs.StringVar(&f.articlesDir, "articles-dir", "", "read articles from a directory instead of the instance")
	fs.IntVar(&f.maxNodes, "max-nodes", 0, "node cap (default 100)")
	fs.BoolVar(&f.showExternal, "external", false, "include external links as nodes")
	fs.BoolVar(&f.insecure, "insecure", false, "skip TLS certificate verification")
	fs.BoolVar(&f.http3, "http3", false, "talk to the instance over HTTP/3")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
}

// load builds the config: defaults, file, environment, then set flags.
func (f *sessionFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(config.Locate(f.configPath))
	if err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "instance":
			cfg.Instance = f.instance
		case "articles-dir":
			cfg.ArticlesDir = f.articlesDir
		case "max-nodes":
			cfg.MaxNodes = f.maxNodes
		case "external":
			cfg.ShowExternal = f.showExternal
		case "insecure":
			cfg.Insecure = f.insecure
		case "http3":
			cfg.HTTP3 = f.http3
		case "log-level":
			cfg.LogLevel = f.logLevel
		}
	})
	cfg.Token = app.ResolveToken(f.token, cfg, tokens.DefaultPath())
	return cfg, nil
}

// open parses args, builds the session and seeds it with the root article
// named by the single positional argument.
func open(ctx context.Context, fs *flag.FlagSet, sf *sessionFlags, args []string, stderr io.Writer) (*app.App, error) {
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("expected exactly one root article number")
	}
	cfg, err := sf.load(fs)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, logging.New(cfg.LogFormat, cfg.LogLevel, stderr))
	if err != nil {
		return nil, err
	}
	if _, err := a.Seed(ctx, fs.Arg(0)); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func runGraph(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf sessionFlags
	depth := fs.Int("depth", 2, "maximum crawl depth in link hops from the root (0 = unlimited)")
	format := fs.String("format", export.FormatText, "output format: "+strings.Join(export.Formats, ", "))
	titles := fs.Bool("titles", true, "fetch titles of articles beyond the crawl depth")
	check := fs.Bool("check", false, "health-check every node after crawling")
	output := fs.String("o", "", "write the graph to a file instead of stdout")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: kbgraph graph [-depth N] [-format F] [-check] KB0010001\n\n")
		fs.PrintDefaults()
	}
	a, err := open(ctx, fs, &sf, args, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	if !slices.Contains(export.Formats, *format) {
		return fmt.Errorf("unknown format %q (want %s)", *format, strings.Join(export.Formats, ", "))
	}

	if err := crawl(ctx, a, *depth, stderr); err != nil {
		return err
	}
	if *titles {
		if _, err := a.Model.FetchTitlesForUnexpanded(ctx); err != nil {
			fmt.Fprintf(stderr, "warning: %v\n", err)
		}
	}
	if *check {
		if _, err := a.Checker.CheckBatch(ctx, a.Model, health.Pending(a.Model.Nodes())); err != nil {
			return err
		}
	}

	w := stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	return export.Write(w, *format, export.FromSnapshot(a.Model.Snapshot(), a.Config.Instance))
}

func crawl(ctx context.Context, a *app.App, depth int, stderr io.Writer) error {
	fmt.Fprintf(stderr, "Crawling from %s (depth %d, max %d nodes)...\n", a.Model.Root(), depth, a.Model.MaxNodes())
	report, err := a.Model.ExpandAll(ctx, graph.CrawlOptions{
		MaxDepth: depth,
		Workers:  a.Config.Workers,
		OnExpand: func(id string, exp graph.Expansion) {
			fmt.Fprintf(stderr, "  %s (+%d nodes)\n", id, len(exp.NewNodes))
		},
	})
	fmt.Fprintf(stderr, "Expanded %d articles, %d failed, %d nodes, %d edges\n",
		report.Expanded, report.Failed, a.Model.NodeCount(), a.Model.EdgeCount())
	if report.CapacityReached {
		fmt.Fprintf(stderr, "Node limit of %d reached; the graph is partial.\n", a.Model.MaxNodes())
	}
	return err
}

// runCheck crawls, probes every node and lists the ones that are broken or
// need authorization. It returns the number of broken nodes.
func runCheck(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf sessionFlags
	depth := fs.Int("depth", 1, "maximum crawl depth in link hops from the root (0 = unlimited)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: kbgraph check [-depth N] [-external] KB0010001\n\n")
		fs.PrintDefaults()
	}

	a, err := open(ctx, fs, &sf, args, stderr)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	if err := crawl(ctx, a, *depth, stderr); err != nil {
		return 0, err
	}
	if _, err := a.Checker.CheckBatch(ctx, a.Model, health.Pending(a.Model.Nodes())); err != nil {
		return 0, err
	}

	broken := 0
	for _, n := range a.Model.Nodes() {
		if n.Status != kb.StatusBroken && n.Status != kb.StatusAuthRequired {
			continue
		}
		if n.Status == kb.StatusBroken {
			broken++
		}
		via := strings.Join(a.Model.Neighbors(n.ID), ", ")
		fmt.Fprintf(stdout, "[%s] %s (linked from %s)\n", n.Status, n.ID, via)
	}
	if broken == 0 {
		fmt.Fprintln(stdout, "No broken links.")
	}
	return broken, nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf sessionFlags
	listen := fs.String("listen", "", "listen address (default 127.0.0.1:8377, env: KBGRAPH_LISTEN)")
	clientRate := fs.Float64("client-rate", 20, "requests per second allowed per client (0 = unlimited)")
	keysFile := fs.String("keys", "", "API keys file; when set, /api requires a bearer key")
	certFile := fs.String("tls-cert", "", "TLS certificate (PEM)")
	keyFile := fs.String("tls-key", "", "TLS private key (PEM)")
	devTLS := fs.Bool("tls-dev", false, "serve HTTPS with an ephemeral self-signed certificate")
	serveH3 := fs.Bool("h3", false, "also serve HTTP/3 on the same port (requires TLS)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: kbgraph serve [-listen ADDR] [-keys FILE] [-tls-dev | -tls-cert F -tls-key F] [-h3] KB0010001\n\n")
		fs.PrintDefaults()
	}

	a, err := open(ctx, fs, &sf, args, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.Config.Listen
	if *listen != "" {
		addr = *listen
	}
	host, _, _ := net.SplitHostPort(addr)
	tlsConf, err := tlsconf.FromOptions(tlsconf.Options{
		CertFile: *certFile,
		KeyFile:  *keyFile,
		Dev:      *devTLS,
		Hosts:    []string{host},
	})
	if err != nil {
		return err
	}
	if *serveH3 && tlsConf == nil {
		return errors.New("-h3 needs -tls-dev or -tls-cert and -tls-key")
	}
	var keys *auth.KeyStore
	if *keysFile != "" {
		if keys, err = auth.LoadKeys(*keysFile); err != nil {
			return err
		}
	}

	limiter := ratelimit.New(*clientRate, max(1, int(*clientRate)))
	defer limiter.Stop()
	handler := api.New(a.Model, a.Checker, api.Options{
		Instance: a.Config.Instance,
		Limiter:  limiter,
		Keys:     keys,
		Logger:   a.Logger,
	}).Routes()

	var h3 *http3.Server
	if *serveH3 {
		h3 = &http3.Server{Addr: addr, Handler: handler, TLSConfig: http3.ConfigureTLSConfig(tlsConf.Clone())}
		next := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = h3.SetQUICHeaders(w.Header())
			next.ServeHTTP(w, r)
		})
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		TLSConfig:    tlsConf,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info("listening", "addr", addr, "tls", tlsConf != nil, "root", a.Model.Root())
		var err error
		if tlsConf != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if h3 != nil {
		go func() {
			a.Logger.Info("listening for HTTP/3", "addr", addr)
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}
	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if h3 != nil {
		_ = h3.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// runAPIKey generates an API key for serve -keys. The hashed entry goes to
// the keys file (or stderr), the raw key to stdout.
func runAPIKey(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	paths := fs.String("paths", "/api/*", "comma-separated path patterns")
	ops := fs.String("ops", auth.OpRead, "comma-separated operations (read, write)")
	keysFile := fs.String("keys", "", "keys file to append the entry to")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: kbgraph apikey [-paths PATTERNS] [-ops OPERATIONS] [-keys FILE]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	opsList := splitTrimmed(*ops)
	for _, op := range opsList {
		if op != auth.OpRead && op != auth.OpWrite {
			return fmt.Errorf("unknown operation %q (want read or write)", op)
		}
	}

	raw, hashed, err := auth.Generate()
	if err != nil {
		return err
	}
	entry := auth.Entry(hashed, splitTrimmed(*paths), opsList)

	if *keysFile != "" {
		f, err := os.OpenFile(*keysFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open keys file: %w", err)
		}
		info, err := f.Stat()
		if err == nil && info.Size() == 0 {
			_, err = f.WriteString("[keys]\n")
		}
		if err == nil {
			_, err = f.WriteString(entry)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write keys file: %w", err)
		}
		fmt.Fprintf(stderr, "Key appended to %s\n", *keysFile)
	} else {
		fmt.Fprintln(stderr, "Add this to your keys file under [keys]:")
		fmt.Fprint(stderr, entry)
	}

	fmt.Fprintln(stderr, "Raw key (shown once):")
	fmt.Fprintln(stdout, raw)
	return nil
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runToken(args []string, storePath string, stdout io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: kbgraph token <add|remove|list>\n" +
			"  add    https://instance <token>  store a token for an instance\n" +
			"  remove https://instance          remove a stored token\n" +
			"  list                             list instances with stored tokens")
	}
	ts, err := tokens.Load(storePath)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}

	switch args[0] {
	case "add":
		if len(args) < 3 {
			return errors.New("usage: kbgraph token add https://instance <token>")
		}
		if err := ts.Set(args[1], args[2]); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		fmt.Fprintf(stdout, "Token stored for %s\n", args[1])

	case "remove":
		if len(args) < 2 {
			return errors.New("usage: kbgraph token remove https://instance")
		}
		removed, err := ts.Remove(args[1])
		if err != nil {
			return fmt.Errorf("remove token: %w", err)
		}
		if !removed {
			fmt.Fprintf(stdout, "No token stored for %s\n", args[1])
			return nil
		}
		fmt.Fprintf(stdout, "Token removed for %s\n", args[1])

	case "list":
		hosts := ts.Hosts()
		if len(hosts) == 0 {
			fmt.Fprintln(stdout, "No stored tokens.")
			return nil
		}
		for _, h := range hosts {
			added, _ := ts.Added(h)
			fmt.Fprintf(stdout, "%s\t%s\n", h, added.Format(time.DateOnly))
		}

	default:
		return fmt.Errorf("unknown token command: %s", args[0])
	}
	return nil
}
