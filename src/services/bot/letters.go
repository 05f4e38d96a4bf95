package bot

import (
	"encoding/json"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/telegram"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/command"
)

// commandPayload is what lands in the dead-letter table: enough of the
// original message to replay the command by hand.
type commandPayload struct {
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	SenderID  int64  `json:"senderId"`
	TopicID   int64  `json:"topicId,omitempty"`
	Text      string `json:"text"`
}

type commandLetter struct {
	kind    command.Kind
	payload commandPayload
}

func newCommandLetter(msg *telegram.Message, kind command.Kind) commandLetter {
	payload := commandPayload{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		SenderID:  msg.From.ID,
		Text:      msg.Text,
	}
	if msg.IsTopicMessage {
		payload.TopicID = msg.MessageThreadID
	}
	return commandLetter{kind: kind, payload: payload}
}

func (l commandLetter) Kind() string {
	return string(l.kind)
}

func (l commandLetter) Marshal() ([]byte, error) {
	return json.Marshal(l.payload)
}

func (l commandLetter) Address() (int64, int64) {
	return l.payload.ChatID, l.payload.MessageID
}
