package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/puppet"
)

const dump = `{"MsgId":"1","FromUserName":"bob_id","ToUserName":"wxid_self","Content":"see you at 8","MsgType":1,"CreateTime":1700000000}

not json
{"MsgId":"2","FromUserName":"12345@chatroom","ToUserName":"wxid_self","Content":"你将\"Bob\"移出了群聊","MsgType":10000,"CreateTime":1700000060}
{"FromUserName":"bob_id","Content":"no id","MsgType":1}
`

func TestReadMessagesSkipsBadLines(t *testing.T) {
	var ids []string
	err := readMessages(strings.NewReader(dump), zerolog.Nop(), func(raw *wechat.RawMessage) error {
		ids = append(ids, raw.MsgID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[1] != "2" || ids[2] != "" {
		t.Errorf("got ids %q", ids)
	}
}

type decodedRecord struct {
	Kind    string                 `json:"kind"`
	Payload map[string]any         `json:"payload"`
	Message *wechat.MessagePayload `json:"message"`
}

func TestClassifierWritesOneRecordPerMessage(t *testing.T) {
	dir := directory.New()
	dir.Upsert(
		wechat.Contact{UserName: "bob_id", NickName: "Bob"},
		wechat.Contact{
			UserName: "12345@chatroom",
			NickName: "Weekend Hiking",
			MemberList: []wechat.RoomMember{
				{UserName: "wxid_self", NickName: "Me"},
				{UserName: "bob_id", NickName: "Bob"},
			},
		},
	)
	var out bytes.Buffer
	c, err := newClassifier(&out, puppet.Config{}, "wxid_self", dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = readMessages(strings.NewReader(dump), zerolog.Nop(), func(raw *wechat.RawMessage) error {
		_ = c.puppet.HandleMessage(t.Context(), raw)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var records []decodedRecord
	dec := json.NewDecoder(&out)
	for dec.More() {
		var rec decodedRecord
		if err = dec.Decode(&rec); err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(records), records)
	}
	msg := records[0].Message
	if records[0].Kind != "message" || msg == nil || msg.TalkerID != "bob_id" || msg.ListenerID != "wxid_self" || msg.Text != "see you at 8" {
		t.Errorf("unexpected message record %+v", records[0])
	}
	leave := records[1]
	if leave.Kind != "room-leave" || leave.Payload["RemoverID"] != "wxid_self" {
		t.Errorf("unexpected leave record %+v", leave)
	}
	if removees, _ := leave.Payload["RemoveeIDList"].([]any); len(removees) != 1 || removees[0] != "bob_id" {
		t.Errorf("unexpected removees %v", leave.Payload["RemoveeIDList"])
	}
}

func TestDecodeContactList(t *testing.T) {
	list, err := decodeContactList([]byte(`[{"UserName":"bob_id","NickName":"Bob"}]`))
	if err != nil || len(list) != 1 || list[0].NickName != "Bob" {
		t.Errorf("array: %+v, %v", list, err)
	}
	list, err = decodeContactList([]byte(`{"BaseResponse":{"Ret":0},"Count":1,"ContactList":[{"UserName":"12345@chatroom","MemberList":[{"UserName":"bob_id"}]}]}`))
	if err != nil || len(list) != 1 || len(list[0].MemberList) != 1 {
		t.Errorf("response: %+v, %v", list, err)
	}
	if list, err = decodeContactList([]byte("  \n")); err != nil || list != nil {
		t.Errorf("empty input: %+v, %v", list, err)
	}
	if _, err = decodeContactList([]byte(`{"ContactList":`)); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestNetworkConfigIsNested(t *testing.T) {
	var cfg struct {
		Network struct {
			LeaveDebounce string `yaml:"leave_debounce"`
			Resolver      struct {
				BatchSize int `yaml:"batch_size"`
			} `yaml:"resolver"`
		} `yaml:"network"`
	}
	if err := yaml.Unmarshal([]byte(networkConfig()), &cfg); err != nil {
		t.Fatalf("generated network config is not valid YAML: %v", err)
	}
	if cfg.Network.LeaveDebounce != "1h" || cfg.Network.Resolver.BatchSize != 50 {
		t.Errorf("unexpected network config %+v", cfg.Network)
	}
}
