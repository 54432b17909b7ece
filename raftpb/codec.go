package raftpb

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

var msgpackHandle = &codec.MsgpackHandle{}

// Encode serializes a message as a one-byte kind tag followed by the
// msgpack encoding of the message body.
func Encode(msg Message) ([]byte, error) {
	var body []byte
	enc := codec.NewEncoderBytes(&body, msgpackHandle)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return append([]byte{byte(msg.Kind())}, body...), nil
}

// Decode deserializes a message produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("raftpb: empty message buffer")
	}

	var msg Message
	switch MessageKind(b[0]) {
	case MessageKindRequestVote:
		msg = &RequestVote{}
	case MessageKindRequestVoteResp:
		msg = &RequestVoteResp{}
	case MessageKindAppendEntries:
		msg = &AppendEntries{}
	case MessageKindAppendEntriesResp:
		msg = &AppendEntriesResp{}
	default:
		return nil, fmt.Errorf("raftpb: unknown message kind %d", b[0])
	}

	dec := codec.NewDecoderBytes(b[1:], msgpackHandle)
	if err := dec.Decode(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
