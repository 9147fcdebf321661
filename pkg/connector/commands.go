// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/commands"
	"maunium.net/go/mautrix/bridgev2/simplevent"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// BridgeCommands returns the custom commands for the WeChat bridge.
// Register these in main.go's PostInit hook:
//
//	m.Bridge.Commands.(*commands.Processor).AddHandlers(connector.BridgeCommands()...)
func BridgeCommands() []*commands.FullHandler {
	return []*commands.FullHandler{
		cmdSyncRoom,
		cmdStatus,
		cmdResolveContact,
	}
}

func connectedClient(ce *commands.Event) (*bridgev2.UserLogin, *WCClient) {
	login := ce.User.GetDefaultLogin()
	if login == nil {
		ce.Reply("No active login found.")
		return nil, nil
	}
	client, ok := login.Client.(*WCClient)
	if !ok || client == nil || client.puppet == nil {
		ce.Reply("Bridge client not connected.")
		return nil, nil
	}
	return login, client
}

// cmdSyncRoom lists known rooms that have no Matrix room yet, then waits for
// the user to reply with just a number to create that room.
//
// Usage:
//
//	!sync-room    - show numbered list of rooms
//	3             - (bare number) create room #3 from the list
var cmdSyncRoom = &commands.FullHandler{
	Name:    "sync-room",
	Aliases: []string{"sync"},
	Func:    fnSyncRoom,
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionChats,
		Description: "Create a Matrix room for a WeChat room that hasn't had any messages yet. Run the command to see the list, then reply with just the number.",
	},
	RequiresLogin: true,
}

type syncCandidate struct {
	id      string
	name    string
	members int
}

func fnSyncRoom(ce *commands.Event) {
	login, client := connectedClient(ce)
	if client == nil {
		return
	}

	var candidates []syncCandidate
	for _, room := range client.directory.Rooms() {
		existing, _ := ce.Bridge.GetExistingPortalByKey(ce.Ctx, client.makePortalKey(room.UserName))
		if existing != nil && existing.MXID != "" {
			continue
		}
		candidates = append(candidates, syncCandidate{
			id:      room.UserName,
			name:    roomDisplayName(room),
			members: len(room.MemberList),
		})
	}
	if len(candidates) == 0 {
		ce.Reply("All known WeChat rooms already have a Matrix room.")
		return
	}

	var sb strings.Builder
	sb.WriteString("**WeChat rooms without a Matrix room:**\n\n")
	for i, c := range candidates {
		sb.WriteString(fmt.Sprintf("%d. **%s** (%s)\n", i+1, c.name, pluralMembers(c.members)))
	}
	sb.WriteString("\nReply with a number to create the room, or `$cmdprefix cancel` to cancel.")
	ce.Reply(sb.String())

	commands.StoreCommandState(ce.User, &commands.CommandState{
		Action: "sync room",
		Next: commands.MinimalCommandHandlerFunc(func(ce *commands.Event) {
			n, err := strconv.Atoi(strings.TrimSpace(ce.RawArgs))
			if err != nil || n < 1 || n > len(candidates) {
				ce.Reply("Please reply with a number between 1 and %d, or `$cmdprefix cancel` to cancel.", len(candidates))
				return
			}
			commands.StoreCommandState(ce.User, nil)

			chosen := candidates[n-1]
			client.Main.Bridge.QueueRemoteEvent(login, &simplevent.ChatResync{
				EventMeta: simplevent.EventMeta{
					Type:         bridgev2.RemoteEventChatResync,
					PortalKey:    client.makePortalKey(chosen.id),
					CreatePortal: true,
					Timestamp:    time.Now(),
				},
				GetChatInfoFunc: client.GetChatInfo,
			})
			ce.Reply("Creating **%s**, the room will appear shortly.", chosen.name)
		}),
		Cancel: func() {},
	})
}

var cmdStatus = &commands.FullHandler{
	Name: "wechat-status",
	Func: fnStatus,
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionGeneral,
		Description: "Show the state of the WeChat message pipeline.",
	},
	RequiresLogin: true,
}

func fnStatus(ce *commands.Event) {
	_, client := connectedClient(ce)
	if client == nil {
		return
	}
	p := client.puppet
	ce.Reply("Logged in as `%s`\n\n"+
		"* Cached messages: %d\n"+
		"* Contact resolver: %s, %d queued\n"+
		"* Pending room leaves: %d\n"+
		"* Known contacts: %d, rooms: %d",
		client.selfID,
		p.CacheLen(),
		p.Resolver().State(), p.Resolver().QueueLen(),
		p.Dispatcher().Ledger().Len(),
		len(client.directory.Contacts()), len(client.directory.Rooms()))
}

var cmdResolveContact = &commands.FullHandler{
	Name:    "resolve-contact",
	Aliases: []string{"resolve"},
	Func:    fnResolveContact,
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionGeneral,
		Description: "Refetch a WeChat contact or room in the background.",
		Args:        "<_id_> [_room id_]",
	},
	RequiresLogin: true,
}

func fnResolveContact(ce *commands.Event) {
	if len(ce.Args) == 0 || len(ce.Args) > 2 {
		ce.Reply("Usage: `$cmdprefix resolve-contact <id> [room id]`")
		return
	}
	_, client := connectedClient(ce)
	if client == nil {
		return
	}
	id := ce.Args[0]
	var roomID string
	if len(ce.Args) == 2 {
		roomID = ce.Args[1]
		if !wechat.IsRoomID(roomID) {
			ce.Reply("`%s` is not a room id.", roomID)
			return
		}
	}
	client.puppet.ResolveContact(id, roomID)
	ce.Reply("Queued `%s` for resolution (%d in queue).", id, client.puppet.Resolver().QueueLen())
}

func roomDisplayName(room wechat.Contact) string {
	if room.NickName != "" {
		return room.NickName
	}
	return room.UserName
}

func pluralMembers(n int) string {
	if n == 1 {
		return "1 member"
	}
	return fmt.Sprintf("%d members", n)
}
