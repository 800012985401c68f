package orchestration

import "github.com/koscakluka/ema-voice/core/events"

type eventEmitter func(events.Event)

func noopEventEmitter(events.Event) {}

func newCallbackEventEmitter(opts OrchestrateOptions, conversation *Conversation) eventEmitter {
	return func(event events.Event) {
		if opts.eventHandler != nil {
			opts.eventHandler.HandleEvent(event)
		}

		switch typedEvent := event.(type) {
		case events.UserTranscriptUpdated:
			if opts.onTranscript != nil {
				opts.onTranscript(typedEvent.Transcript)
			}
		case events.UserTurnEnded:
			if opts.onTurnEnd != nil {
				opts.onTurnEnd(typedEvent.Transcript)
			}
		case events.AssistantResponseSegment:
			if opts.onResponse != nil {
				opts.onResponse(typedEvent.Segment)
			}
		case events.AssistantResponseFinal:
			if opts.onResponseEnd != nil {
				opts.onResponseEnd()
			}
		case events.ConversationMessageAppended, events.ConversationMessageUpdated, events.ConversationReset:
			if opts.onMessages != nil {
				opts.onMessages(conversation.Messages())
			}
		case events.StatusChanged:
			if opts.onStatus != nil {
				opts.onStatus(Status(typedEvent.Status))
			}
		case events.Warning:
			if opts.onWarning != nil {
				opts.onWarning(typedEvent.Message)
			}
		}
	}
}
