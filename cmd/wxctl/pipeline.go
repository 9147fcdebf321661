package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/events"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/normalize"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/puppet"
)

const maxLineSize = 4 * 1024 * 1024

var classifyCommand = &cli.Command{
	Name:      "classify",
	Usage:     "Classify a JSONL dump of raw messages and print one event per line",
	ArgsUsage: "[FILE]",
	Action:    cmdClassify,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     "self",
			Usage:    "Id of the logged-in account the dump was recorded with",
			Required: true,
			EnvVars:  []string{"WXCTL_SELF"},
		},
		&cli.StringFlag{
			Name:  "patterns",
			Usage: "YAML file with extra notice patterns",
		},
		&cli.DurationFlag{
			Name:  "leave-debounce",
			Usage: "How long a removed member is kept out of refetched member lists",
		},
	}, contactFlags...),
}

var normalizeCommand = &cli.Command{
	Name:      "normalize",
	Usage:     "Normalize a JSONL dump of raw messages without classifying them",
	ArgsUsage: "[FILE]",
	Action:    cmdNormalize,
	Flags:     contactFlags,
}

var patternsCommand = &cli.Command{
	Name:      "patterns",
	Usage:     "Check a notice pattern file and optionally test it against a notice",
	ArgsUsage: "[FILE]",
	Action:    cmdPatterns,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "test",
			Aliases: []string{"t"},
			Usage:   "Notice text to match against every family",
		},
	},
}

// openInput opens path, or stdin if path is empty or "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

// readMessages decodes one raw message per line. Blank lines are skipped and
// undecodable lines are logged and skipped.
func readMessages(r io.Reader, log zerolog.Logger, fn func(raw *wechat.RawMessage) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw wechat.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			log.Warn().Err(err).Int("line", lineNo).Msg("Skipping undecodable line")
			continue
		}
		if err := fn(&raw); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

type eventRecord struct {
	Kind    string                 `json:"kind"`
	Payload events.Payload         `json:"payload,omitempty"`
	Message *wechat.MessagePayload `json:"message,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// offlineFetcher is used when classifying dumps. Nothing can be fetched, so
// names the directory doesn't know stay unresolved.
type offlineFetcher struct{}

func (offlineFetcher) BatchGetContact(_ context.Context, _ []wechat.ContactRef) ([]wechat.Contact, error) {
	return nil, nil
}

type classifier struct {
	puppet *puppet.Puppet
	out    *json.Encoder
}

func newClassifier(w io.Writer, cfg puppet.Config, selfID string, dir *directory.Directory, log zerolog.Logger) (*classifier, error) {
	c := &classifier{out: json.NewEncoder(w)}
	p, err := puppet.New(cfg, events.StaticSession(selfID), dir, offlineFetcher{}, c, log)
	if err != nil {
		return nil, err
	}
	c.puppet = p
	return c, nil
}

func (c *classifier) OnEvent(ctx context.Context, evt events.Event) error {
	rec := eventRecord{Kind: evt.Kind.String()}
	if msg, ok := evt.Payload.(*events.Message); ok {
		payload, err := c.puppet.MessagePayload(ctx, msg.Raw.MsgID)
		if err != nil {
			rec.Error = err.Error()
		} else {
			rec.Message = payload
		}
	} else {
		rec.Payload = evt.Payload
	}
	return c.out.Encode(&rec)
}

func (c *classifier) Close() {
	c.puppet.Stop()
}

func cmdClassify(ctx *cli.Context) error {
	log := *getLogger(ctx)
	dir, err := loadDirectory(ctx)
	if err != nil {
		return err
	}
	in, err := openInput(ctx.Args().First())
	if err != nil {
		return err
	}
	defer in.Close()

	c, err := newClassifier(os.Stdout, puppet.Config{
		LeaveDebounce: ctx.Duration("leave-debounce"),
		PatternsFile:  ctx.String("patterns"),
	}, ctx.String("self"), dir, log)
	if err != nil {
		return fmt.Errorf("failed to set up classifier: %w", err)
	}
	defer c.Close()

	var handled, failed int
	err = readMessages(in, log, func(raw *wechat.RawMessage) error {
		if err := c.puppet.HandleMessage(ctx.Context, raw); err != nil {
			failed++
		} else {
			handled++
		}
		return nil
	})
	log.Info().Int("handled", handled).Int("failed", failed).Msg("Finished classifying")
	return err
}

func cmdNormalize(ctx *cli.Context) error {
	log := *getLogger(ctx)
	dir, err := loadDirectory(ctx)
	if err != nil {
		return err
	}
	in, err := openInput(ctx.Args().First())
	if err != nil {
		return err
	}
	defer in.Close()

	pipeline := normalize.New(dir, log)
	out := json.NewEncoder(os.Stdout)
	return readMessages(in, log, func(raw *wechat.RawMessage) error {
		payload, err := pipeline.Normalize(ctx.Context, raw)
		if err != nil {
			log.Warn().Err(err).Str("msg_id", raw.MsgID).Msg("Failed to normalize message")
			return out.Encode(&eventRecord{Kind: events.KindMessage.String(), Error: err.Error()})
		}
		return out.Encode(&eventRecord{Kind: events.KindMessage.String(), Message: payload})
	})
}

func cmdPatterns(ctx *cli.Context) error {
	patterns := events.DefaultPatterns()
	if path := ctx.Args().First(); path != "" {
		var err error
		patterns, err = events.LoadPatterns(path)
		if err != nil {
			return err
		}
	}
	text := ctx.String("test")
	for _, family := range patterns.Families() {
		regexes := patterns.Get(family)
		if text == "" {
			fmt.Printf("%-40s %d\n", family, len(regexes))
			continue
		}
		for _, re := range regexes {
			if match := re.FindStringSubmatch(text); match != nil {
				fmt.Printf("%-40s %q %q\n", family, re.String(), match[1:])
			}
		}
	}
	return nil
}
