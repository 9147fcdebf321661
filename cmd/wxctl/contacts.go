package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/contactstore"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
)

var contactsCommand = &cli.Command{
	Name:  "contacts",
	Usage: "Manage contact databases used by classify and normalize",
	Subcommands: []*cli.Command{
		{
			Name:      "import",
			Usage:     "Import a contact list (a JSON array or a batch contact response) into a database",
			ArgsUsage: "DATABASE [FILE]",
			Flags:     contactFlags[1:],
			Action:    cmdContactsImport,
		},
		{
			Name:      "export",
			Usage:     "Print every contact and room of a database as a JSON array",
			ArgsUsage: "DATABASE",
			Flags:     contactFlags[1:],
			Action:    cmdContactsExport,
		},
	},
}

// decodeContactList accepts either a bare JSON array of contacts or an object
// with a ContactList field, which is what batch contact lookups return.
func decodeContactList(data []byte) ([]wechat.Contact, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var list []wechat.Contact
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to decode contact list: %w", err)
		}
		return list, nil
	}
	var resp struct {
		ContactList []wechat.Contact `json:"ContactList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode contact response: %w", err)
	}
	return resp.ContactList, nil
}

func openStore(ctx *cli.Context) (*contactstore.Store, error) {
	if ctx.NArg() == 0 {
		return nil, fmt.Errorf("you must specify a database path")
	}
	return contactstore.Open(ctx.Context, ctx.Args().Get(0), ctx.String("login-id"), *getLogger(ctx))
}

func cmdContactsImport(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	in, err := openInput(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read contact list: %w", err)
	}
	contacts, err := decodeContactList(data)
	if err != nil {
		return err
	}
	if err = store.UpsertContacts(ctx.Context, contacts); err != nil {
		return fmt.Errorf("failed to save contacts: %w", err)
	}
	getLogger(ctx).Info().Int("count", len(contacts)).Msg("Imported contacts")
	return nil
}

func cmdContactsExport(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dir := directory.New()
	if _, err = store.LoadInto(ctx.Context, dir); err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	out := append(dir.Contacts(), dir.Rooms()...)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
