package realtime

import (
	"context"
	"errors"

	"github.com/heroiclabs/nakama-common/rtapi"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ChannelType selects the kind of chat channel to join.
type ChannelType int32

const (
	ChannelTypeRoom          ChannelType = 1
	ChannelTypeDirectMessage ChannelType = 2
	ChannelTypeGroup         ChannelType = 3
)

var ErrUnexpectedResponse = errors.New("unexpected envelope in response")

// ChannelJoin joins a chat channel and seeds the presence tracker with the
// channel's initial presence snapshot. The tracker's channel-ready listener
// fires once seeding is complete.
func (s *Socket) ChannelJoin(ctx context.Context, target string, channelType ChannelType, persistence, hidden bool) (*rtapi.Channel, error) {
	if target == "" {
		return nil, ErrChannelIDEmpty
	}

	response, err := s.Send(ctx, &rtapi.Envelope{Message: &rtapi.Envelope_ChannelJoin{ChannelJoin: &rtapi.ChannelJoin{
		Target:      target,
		Type:        int32(channelType),
		Persistence: &wrapperspb.BoolValue{Value: persistence},
		Hidden:      &wrapperspb.BoolValue{Value: hidden},
	}}})
	if err != nil {
		return nil, err
	}

	channelMessage, ok := response.Message.(*rtapi.Envelope_Channel)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	channel := channelMessage.Channel

	if err := s.tracker.Seed(channel.Id, channel.Presences); err != nil {
		return nil, err
	}

	s.logger.Debug("Joined channel", zap.String("channel_id", channel.Id), zap.Int("presences", len(channel.Presences)))
	return channel, nil
}

// ChannelLeave leaves a chat channel and drops all presence state tracked
// for it, cancelling any pending grace timers.
func (s *Socket) ChannelLeave(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrChannelIDEmpty
	}

	if _, err := s.Send(ctx, &rtapi.Envelope{Message: &rtapi.Envelope_ChannelLeave{ChannelLeave: &rtapi.ChannelLeave{
		ChannelId: channelID,
	}}}); err != nil {
		return err
	}

	return s.tracker.RemoveChannel(channelID)
}

// WriteChatMessage sends a chat message to a joined channel. Content must
// be a JSON object payload.
func (s *Socket) WriteChatMessage(ctx context.Context, channelID, content string) (*rtapi.ChannelMessageAck, error) {
	if channelID == "" {
		return nil, ErrChannelIDEmpty
	}

	response, err := s.Send(ctx, &rtapi.Envelope{Message: &rtapi.Envelope_ChannelMessageSend{ChannelMessageSend: &rtapi.ChannelMessageSend{
		ChannelId: channelID,
		Content:   content,
	}}})
	if err != nil {
		return nil, err
	}

	ack, ok := response.Message.(*rtapi.Envelope_ChannelMessageAck)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	return ack.ChannelMessageAck, nil
}

// UpdateChatMessage replaces the content of a previously sent message.
func (s *Socket) UpdateChatMessage(ctx context.Context, channelID, messageID, content string) (*rtapi.ChannelMessageAck, error) {
	if channelID == "" {
		return nil, ErrChannelIDEmpty
	}

	response, err := s.Send(ctx, &rtapi.Envelope{Message: &rtapi.Envelope_ChannelMessageUpdate{ChannelMessageUpdate: &rtapi.ChannelMessageUpdate{
		ChannelId: channelID,
		MessageId: messageID,
		Content:   content,
	}}})
	if err != nil {
		return nil, err
	}

	ack, ok := response.Message.(*rtapi.Envelope_ChannelMessageAck)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	return ack.ChannelMessageAck, nil
}

// RemoveChatMessage removes a previously sent message.
func (s *Socket) RemoveChatMessage(ctx context.Context, channelID, messageID string) (*rtapi.ChannelMessageAck, error) {
	if channelID == "" {
		return nil, ErrChannelIDEmpty
	}

	response, err := s.Send(ctx, &rtapi.Envelope{Message: &rtapi.Envelope_ChannelMessageRemove{ChannelMessageRemove: &rtapi.ChannelMessageRemove{
		ChannelId: channelID,
		MessageId: messageID,
	}}})
	if err != nil {
		return nil, err
	}

	ack, ok := response.Message.(*rtapi.Envelope_ChannelMessageAck)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	return ack.ChannelMessageAck, nil
}
