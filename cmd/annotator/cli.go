package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pitchtag/annotator/internal/annotation"
	"github.com/pitchtag/annotator/internal/api"
	"github.com/pitchtag/annotator/internal/config"
	"github.com/pitchtag/annotator/internal/storage/catalog"
	"github.com/pitchtag/annotator/internal/storage/sidecar"
	"github.com/pitchtag/annotator/internal/timecode"
	"github.com/pitchtag/annotator/internal/video"
	"github.com/pitchtag/annotator/pkg/core"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// globalOptions are parsed before the command name.
type globalOptions struct {
	server string
}

func (o globalOptions) client() *api.Client {
	return api.NewClient(o.server)
}

type command struct {
	name    string
	args    string
	summary string
	run     func(ctx context.Context, opts globalOptions, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"list", "[VIDEO]", "print the annotations of a video", runList},
		{"add", "[VIDEO]", "add an annotation", runAdd},
		{"remove", "[VIDEO]", "remove an annotation by index or id", runRemove},
		{"update", "[VIDEO]", "change fields of an annotation", runUpdate},
		{"near", "VIDEO", "print annotations close to a position", runNear},
		{"autofill", "VIDEO", "add placeholder annotations at a fixed interval", runAutofill},
		{"gametime", "VALUE...", "convert between milliseconds and game time", runGameTime},
		{"export", "VIDEO", "write the annotation list to another file", runExport},
		{"serve", "[VIDEO]", "serve the annotation API for a player", runServe},
		{"catalog", "search|videos|snapshot|dump", "query the cross-video catalog", runCatalog},
	}
}

func usage(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s [global flags] COMMAND [flags] [args]\n\nCommands:\n", AppName)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.args, c.summary)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nGlobal flags:\n")
	global.SetOutput(w)
	global.PrintDefaults()
}

func run(ctx context.Context, args []string) error {
	global := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(stderr)
	configDir := global.StringP("config", "c", ".", "directory containing "+config.FileName)
	quiet := global.BoolP("quiet", "q", false, "log to the session file only")
	server := global.String("server", "", "edit through a running annotator API at this URL")
	version := global.Bool("version", false, "print the version and exit")
	global.Usage = func() { usage(stderr, global) }

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *version {
		fmt.Fprintf(stdout, "%s %s (built %s)\n", AppName, CurrentVersion, BuildDate)
		return nil
	}

	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr, global)
		return errors.New("no command given")
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == rest[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	setup(*configDir, *quiet)
	defer shutdown()

	Logger.Debug("Running command", "command", cmd.name, "args", rest[1:])
	return cmd.run(ctx, globalOptions{server: *server}, rest[1:])
}

// newFlagSet creates a command flag set. parse returns errHelpShown for -h
// so callers can stop without reporting an error.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	return fs
}

var errHelpShown = errors.New("help shown")

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelpShown
		}
		return err
	}
	return nil
}

func ignoreHelp(err error) error {
	if errors.Is(err, errHelpShown) {
		return nil
	}
	return err
}

// videoArg returns the single positional video path.
func videoArg(fs *pflag.FlagSet) (string, error) {
	switch fs.NArg() {
	case 0:
		return "", fmt.Errorf("%s: video path required", fs.Name())
	case 1:
		return fs.Arg(0), nil
	default:
		return "", fmt.Errorf("%s: expected one video path, got %d arguments", fs.Name(), fs.NArg())
	}
}

// positionFlags lets a command take a position as milliseconds, a clock
// string or a game time.
type positionFlags struct {
	fs       *pflag.FlagSet
	position *int64
	clock    *string
	at       *string
}

func addPositionFlags(fs *pflag.FlagSet) positionFlags {
	return positionFlags{
		fs:       fs,
		position: fs.Int64P("position", "p", 0, "position in milliseconds"),
		clock:    fs.String("clock", "", "position as MM:SS.mmm or HH:MM:SS.mmm"),
		at:       fs.String("at", "", `position as game time, e.g. "1 - 12:30"`),
	}
}

func (p positionFlags) resolve() (int64, error) {
	given := 0
	for _, name := range []string{"position", "clock", "at"} {
		if p.fs.Changed(name) {
			given++
		}
	}
	switch {
	case given == 0:
		return 0, errors.New("one of --position, --clock or --at is required")
	case given > 1:
		return 0, errors.New("--position, --clock and --at are mutually exclusive")
	case p.fs.Changed("clock"):
		return timecode.ParseClock(*p.clock)
	case p.fs.Changed("at"):
		return timecode.ParseGameTime(*p.at)
	default:
		return *p.position, nil
	}
}

func printAnnotations(w io.Writer, anns []core.Annotation, withIndex bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if withIndex {
		fmt.Fprint(tw, "INDEX\t")
	}
	fmt.Fprintln(tw, "ID\tPOSITION\tCLOCK\tGAME TIME\tLABEL\tTEAM")
	for i, a := range anns {
		if withIndex {
			fmt.Fprintf(tw, "%d\t", i)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			a.ID, a.Position, timecode.FormatClock(a.Position), a.GameTime, a.Label, a.Team)
	}
	_ = tw.Flush()
}

func printAnnotation(w io.Writer, verb string, a core.Annotation) {
	fmt.Fprintf(w, "%s %s at %s (%s): %s, %s\n",
		verb, a.ID, timecode.FormatClock(a.Position), a.GameTime, a.Label, a.Team)
}

func runList(ctx context.Context, opts globalOptions, args []string) error {
	fs := newFlagSet("list")
	sorted := fs.BoolP("sorted", "s", false, "order by position instead of insertion")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}

	var anns []core.Annotation
	if opts.server != "" {
		var err error
		anns, err = opts.client().List(ctx, *sorted)
		if err != nil {
			return err
		}
	} else {
		videoPath, err := videoArg(fs)
		if err != nil {
			return err
		}
		anns = openStore(videoPath).List(*sorted)
	}

	// indexes refer to insertion order, so they are only useful unsorted
	printAnnotations(stdout, anns, !*sorted)
	if len(anns) > 0 {
		fmt.Fprintf(stdout, "\n%d annotations: %s\n", len(anns), labelSummary(anns))
	}
	return nil
}

func runAdd(ctx context.Context, opts globalOptions, args []string) error {
	fs := newFlagSet("add")
	pos := addPositionFlags(fs)
	label := fs.StringP("label", "l", "", "one of: "+labelList())
	team := fs.StringP("team", "t", "", "home or away")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}

	positionMS, err := pos.resolve()
	if err != nil {
		return err
	}
	if *label == "" {
		return errors.New("--label is required")
	}

	var added core.Annotation
	if opts.server != "" {
		added, err = opts.client().Add(ctx, positionMS, core.Label(*label), core.Team(*team))
	} else {
		videoPath, verr := videoArg(fs)
		if verr != nil {
			return verr
		}
		added, err = openStore(videoPath).Add(positionMS, core.Label(*label), core.Team(*team))
	}
	if err != nil {
		return err
	}
	printAnnotation(stdout, "Added", added)
	return nil
}

// selector picks an annotation by insertion index or id.
type selector struct {
	fs    *pflag.FlagSet
	index *int
	id    *string
}

func addSelectorFlags(fs *pflag.FlagSet) selector {
	return selector{
		fs:    fs,
		index: fs.IntP("index", "i", -1, "insertion index, as printed by list"),
		id:    fs.String("id", "", "annotation id"),
	}
}

func (s selector) check() error {
	byIndex, byID := s.fs.Changed("index"), s.fs.Changed("id")
	if byIndex == byID {
		return errors.New("exactly one of --index or --id is required")
	}
	return nil
}

// remoteID resolves the selector against a server, whose list order matches
// local insertion order.
func (s selector) remoteID(ctx context.Context, c *api.Client) (string, error) {
	if s.fs.Changed("id") {
		return *s.id, nil
	}
	anns, err := c.List(ctx, false)
	if err != nil {
		return "", err
	}
	if *s.index < 0 || *s.index >= len(anns) {
		return "", fmt.Errorf("no annotation at index %d", *s.index)
	}
	return anns[*s.index].ID, nil
}

func (s selector) missing() error {
	if s.fs.Changed("id") {
		return &core.NotFoundError{Kind: "annotation", Key: *s.id}
	}
	return fmt.Errorf("no annotation at index %d", *s.index)
}

func runRemove(ctx context.Context, opts globalOptions, args []string) error {
	fs := newFlagSet("remove")
	sel := addSelectorFlags(fs)
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}
	if err := sel.check(); err != nil {
		return err
	}

	if opts.server != "" {
		c := opts.client()
		id, err := sel.remoteID(ctx, c)
		if err != nil {
			return err
		}
		removed, err := c.Remove(ctx, id)
		if err != nil {
			return err
		}
		printAnnotation(stdout, "Removed", removed)
		return nil
	}

	videoPath, err := videoArg(fs)
	if err != nil {
		return err
	}
	st := openStore(videoPath)

	var (
		removed core.Annotation
		ok      bool
	)
	if fs.Changed("id") {
		removed, ok, err = st.RemoveByID(*sel.id)
	} else {
		removed, ok, err = st.Remove(*sel.index)
	}
	if !ok {
		return sel.missing()
	}
	if err != nil {
		return err
	}
	printAnnotation(stdout, "Removed", removed)
	return nil
}

func runUpdate(ctx context.Context, opts globalOptions, args []string) error {
	fs := newFlagSet("update")
	sel := addSelectorFlags(fs)
	fields := fs.StringToString("set", nil, "field=value, repeatable (position, gameTime, label, team, visibility)")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}
	if err := sel.check(); err != nil {
		return err
	}
	if len(*fields) == 0 {
		return errors.New("at least one --set field=value is required")
	}

	if opts.server != "" {
		c := opts.client()
		id, err := sel.remoteID(ctx, c)
		if err != nil {
			return err
		}
		updated, err := c.Update(ctx, id, *fields)
		if err != nil {
			return err
		}
		printAnnotation(stdout, "Updated", updated)
		return nil
	}

	videoPath, err := videoArg(fs)
	if err != nil {
		return err
	}
	st := openStore(videoPath)

	var (
		updated core.Annotation
		ok      bool
	)
	if fs.Changed("id") {
		patch, perr := annotation.PatchFromFields(*fields)
		if perr != nil {
			return perr
		}
		updated, ok, err = st.UpdateByID(*sel.id, patch)
	} else {
		updated, ok, err = st.UpdateFields(*sel.index, *fields)
	}
	if !ok {
		return sel.missing()
	}
	if err != nil {
		return err
	}
	printAnnotation(stdout, "Updated", updated)
	return nil
}

func runNear(_ context.Context, _ globalOptions, args []string) error {
	fs := newFlagSet("near")
	pos := addPositionFlags(fs)
	tolerance := fs.Int64("tolerance", config.GetAnnotationConfig().ToleranceMS, "maximum distance in milliseconds")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}

	positionMS, err := pos.resolve()
	if err != nil {
		return err
	}
	videoPath, err := videoArg(fs)
	if err != nil {
		return err
	}

	printAnnotations(stdout, openStore(videoPath).Near(positionMS, *tolerance), false)
	return nil
}

func runAutofill(ctx context.Context, _ globalOptions, args []string) error {
	cfg := config.GetAnnotationConfig()

	fs := newFlagSet("autofill")
	interval := fs.IntP("interval", "n", cfg.AutofillInterval, "seconds between placeholders")
	fps := fs.Float64("fps", 0, "frame rate; skips ffprobe together with --frames")
	frames := fs.Int64("frames", 0, "frame count; skips ffprobe together with --fps")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}
	videoPath, err := videoArg(fs)
	if err != nil {
		return err
	}

	var src video.Source = video.NewProbe(cfg.FFprobePath, videoPath)
	if fs.Changed("fps") || fs.Changed("frames") {
		if !fs.Changed("fps") || !fs.Changed("frames") {
			return errors.New("--fps and --frames must be given together")
		}
		src = video.StaticSource{FrameRate: *fps, FrameCount: *frames}
	}

	n, err := openStore(videoPath).AutofillFrom(ctx, src, *interval)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Added %d placeholder annotations\n", n)
	return nil
}

// runGameTime converts each value: integers are positions in milliseconds,
// anything else is parsed as a game time.
func runGameTime(_ context.Context, _ globalOptions, args []string) error {
	fs := newFlagSet("gametime")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}
	if fs.NArg() == 0 {
		return errors.New("gametime: at least one value required")
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	for _, v := range fs.Args() {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", v, timecode.FormatGameTime(ms), timecode.FormatClock(ms))
			continue
		}
		ms, err := timecode.ParseGameTime(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", v, ms, timecode.FormatClock(ms))
	}
	return nil
}

func runExport(_ context.Context, _ globalOptions, args []string) error {
	fs := newFlagSet("export")
	out := fs.StringP("out", "o", "", "output file")
	compress := fs.BoolP("gzip", "z", false, "gzip the output")
	sorted := fs.BoolP("sorted", "s", true, "order by position")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}
	videoPath, err := videoArg(fs)
	if err != nil {
		return err
	}
	if *out == "" {
		return errors.New("--out is required")
	}

	anns := openStore(videoPath).List(*sorted)
	if err := sidecar.Export(*out, anns, *compress); err != nil {
		return fmt.Errorf("failed to export annotations: %w", err)
	}
	fmt.Fprintf(stdout, "Exported %d annotations to %s\n", len(anns), *out)
	return nil
}

func runServe(ctx context.Context, _ globalOptions, args []string) error {
	cfg := config.GetAnnotationConfig()

	fs := newFlagSet("serve")
	addr := fs.StringP("addr", "a", viper.GetString("api.listenAddr"), "listen address")
	live := fs.Bool("live", false, "start live autofill against the reported playhead")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("serve: expected at most one video path, got %d arguments", fs.NArg())
	}

	var st *annotation.Store
	if fs.NArg() == 1 {
		st = openStore(fs.Arg(0))
	} else {
		st = annotation.New(storeOptions()...)
	}

	liveInterval := time.Duration(cfg.LiveIntervalSeconds) * time.Second
	serverOpts := []api.Option{
		api.WithLogger(Logger),
		api.WithSourceFactory(func(videoPath string) video.Source {
			return video.NewProbe(cfg.FFprobePath, videoPath)
		}),
		api.WithLiveDefaults(liveInterval, cfg.LiveToleranceMS),
		api.WithAutofillInterval(cfg.AutofillInterval),
	}
	if Catalog != nil {
		serverOpts = append(serverOpts, api.WithCatalog(Catalog))
	}
	srv := api.NewServer(st, serverOpts...)
	currentVideo = func() string { return srv.Store().VideoPath() }
	playheadReports = srv.SetPlayhead

	if *live {
		if liveInterval <= 0 {
			liveInterval = annotation.DefaultLiveInterval
		}
		tolerance := cfg.LiveToleranceMS
		if tolerance <= 0 {
			tolerance = annotation.DefaultLiveToleranceMS
		}
		if err := srv.StartLive(liveInterval, tolerance); err != nil {
			return err
		}
	}

	fmt.Fprintf(stdout, "Serving annotations on %s\n", *addr)
	return srv.ListenAndServe(ctx, *addr)
}

func runCatalog(_ context.Context, _ globalOptions, args []string) error {
	if len(args) == 0 {
		return errors.New("catalog: subcommand required (search, videos, snapshot, dump)")
	}
	if Catalog == nil {
		return errors.New("catalog is disabled; set catalog.type to sqlite or postgres")
	}

	sub, args := args[0], args[1:]
	switch sub {
	case "search":
		return catalogSearch(Catalog, args)
	case "videos":
		return catalogVideos(Catalog)
	case "snapshot":
		fs := newFlagSet("catalog snapshot")
		if err := parse(fs, args); err != nil {
			return ignoreHelp(err)
		}
		videoPath, err := videoArg(fs)
		if err != nil {
			return err
		}
		anns, err := Catalog.Snapshot(videoPath)
		if err != nil {
			return err
		}
		printAnnotations(stdout, anns, false)
		return nil
	case "dump":
		fs := newFlagSet("catalog dump")
		out := fs.StringP("out", "o", "", "output SQLite file")
		if err := parse(fs, args); err != nil {
			return ignoreHelp(err)
		}
		if err := Catalog.Dump(*out); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Catalog written to %s\n", *out)
		return nil
	default:
		return fmt.Errorf("catalog: unknown subcommand %q", sub)
	}
}

func catalogSearch(c *catalog.Catalog, args []string) error {
	fs := newFlagSet("catalog search")
	label := fs.StringP("label", "l", "", "only this label")
	team := fs.StringP("team", "t", "", "only this team")
	videoPath := fs.String("video", "", "only this video")
	limit := fs.Int("limit", 0, "maximum number of hits, 0 for all")
	if err := parse(fs, args); err != nil {
		return ignoreHelp(err)
	}

	hits, err := c.Search(catalog.Query{
		Label:     core.Label(*label),
		Team:      core.Team(*team),
		VideoPath: *videoPath,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VIDEO\tCLOCK\tGAME TIME\tLABEL\tTEAM")
	for _, h := range hits {
		a := h.Annotation
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.VideoPath, timecode.FormatClock(a.Position), a.GameTime, a.Label, a.Team)
	}
	return tw.Flush()
}

func catalogVideos(c *catalog.Catalog) error {
	videos, err := c.Videos()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VIDEO\tANNOTATIONS\tUPDATED")
	for _, v := range videos {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", v.Path, v.AnnotationCount, v.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// labelSummary counts labels for a short overview line.
func labelSummary(anns []core.Annotation) string {
	counts := make(map[core.Label]int)
	for _, a := range anns {
		counts[a.Label]++
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, string(l))
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%d", l, counts[core.Label(l)]))
	}
	return strings.Join(parts, " ")
}

// labelList names every accepted label for flag help.
func labelList() string {
	names := make([]string, len(core.Labels))
	for i, l := range core.Labels {
		names[i] = string(l)
	}
	return strings.Join(names, ", ")
}
