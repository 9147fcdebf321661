package directory

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

func testDirectory() *Directory {
	d := New()
	d.Upsert(
		wechat.Contact{UserName: "bob_id", NickName: "Bob"},
		wechat.Contact{UserName: "carol_id", NickName: "Caroline", RemarkName: "Carol"},
		wechat.Contact{
			UserName: "12345@chatroom",
			NickName: "Weekend Hiking",
			MemberList: []wechat.RoomMember{
				{UserName: "bob_id", NickName: "Bob"},
				{UserName: "carol_id", NickName: "Caroline"},
				{UserName: "dave_id", NickName: "Dave", DisplayName: "Bob"},
			},
		},
	)
	return d
}

func TestMemberSearch(t *testing.T) {
	d := testDirectory()
	ctx := context.Background()

	tests := []struct {
		name string
		room string
		want []string
	}{
		{"Bob", "12345@chatroom", []string{"dave_id", "bob_id"}},
		{"Carol", "12345@chatroom", []string{"carol_id"}},
		{"Caroline", "12345@chatroom", []string{"carol_id"}},
		{"Nobody", "12345@chatroom", nil},
		{"Bob", "999@chatroom", nil},
		{"", "12345@chatroom", nil},
	}
	for _, tt := range tests {
		got := d.MemberSearch(ctx, tt.room, tt.name)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("MemberSearch(%q, %q) = %v, want %v", tt.room, tt.name, got, tt.want)
		}
	}
}

func TestRoomTopic(t *testing.T) {
	d := testDirectory()
	topic, err := d.RoomTopic(context.Background(), "12345@chatroom")
	if err != nil || topic != "Weekend Hiking" {
		t.Fatalf("RoomTopic = %q, %v", topic, err)
	}
	d.SetRoomTopic("12345@chatroom", "Hiking")
	if topic, _ = d.RoomTopic(context.Background(), "12345@chatroom"); topic != "Hiking" {
		t.Errorf("topic after update = %q", topic)
	}
	if _, err = d.RoomTopic(context.Background(), "missing@chatroom"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestUpsertKeepsMembersWhenListEmpty(t *testing.T) {
	d := testDirectory()
	d.Upsert(wechat.Contact{UserName: "12345@chatroom", NickName: "Renamed"})
	room, ok := d.Room("12345@chatroom")
	if !ok {
		t.Fatal("room missing")
	}
	if room.NickName != "Renamed" || len(room.MemberList) != 3 {
		t.Errorf("room = %+v", room)
	}
	if _, ok = d.Contact("12345@chatroom"); ok {
		t.Error("room should not be stored as a contact")
	}
}

func TestAddRemoveMembers(t *testing.T) {
	d := testDirectory()
	d.AddRoomMembers("12345@chatroom", wechat.RoomMember{UserName: "erin_id", NickName: "Erin"})
	if !d.IsRoomMember("12345@chatroom", "erin_id") {
		t.Fatal("erin should be a member")
	}
	d.RemoveRoomMembers("12345@chatroom", "bob_id", "unknown_id")
	d.RemoveRoomMembers("missing@chatroom", "bob_id")
	room, _ := d.Room("12345@chatroom")
	var ids []string
	for _, m := range room.MemberList {
		ids = append(ids, m.UserName)
	}
	want := []string{"carol_id", "dave_id", "erin_id"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("members = %v, want %v", ids, want)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	d := testDirectory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.AddRoomMembers("12345@chatroom", wechat.RoomMember{UserName: "x_id", NickName: "X"})
				d.RemoveRoomMembers("12345@chatroom", "x_id")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = d.MemberSearch(ctx, "12345@chatroom", "X")
				_, _ = d.RoomTopic(ctx, "12345@chatroom")
			}
		}()
	}
	wg.Wait()
	if d.IsRoomMember("12345@chatroom", "x_id") {
		t.Error("x_id should have been removed")
	}
}

func TestUpsertMissing(t *testing.T) {
	d := testDirectory()
	d.UpsertMissing(
		wechat.Contact{UserName: "carol_id", NickName: "Carol from room"},
		wechat.Contact{UserName: "dave_id", NickName: "Dave"},
		wechat.Contact{UserName: "777@chatroom", NickName: "ignored"},
	)
	if c, _ := d.Contact("carol_id"); c.RemarkName != "Carol" || c.NickName != "Caroline" {
		t.Errorf("existing contact was overwritten: %+v", c)
	}
	if c, ok := d.Contact("dave_id"); !ok || c.NickName != "Dave" {
		t.Errorf("missing contact not added: %+v", c)
	}
	if d.HasContact("777@chatroom") {
		t.Error("rooms must not be added by UpsertMissing")
	}
}
