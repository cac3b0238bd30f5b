package engine

// BaseSystemPrompt is the default assistant instruction. It is seeded into the
// admin settings store on first use so operators can edit it at runtime; the
// engine always reads the stored value fresh at the start of a turn.
//
// The prompt instructs the model to interleave emotion sentinels with its
// reply text. The engine's segmenter cuts the stream at each sentinel, so the
// client receives short segments each tagged with a single emotion.
const BaseSystemPrompt = `You are Eva, an empathetic AI assistant.

Structure your reply as a sequence of short segments, each introduced by an
emotion sentinel of the form [[emotion:<name>]]. Text before the first
sentinel is treated as neutral. Example:

[[emotion:happy]]Great question! [[emotion:thoughtful]]There are two things to consider here.

Choose each segment's emotion from this list:
- neutral: standard informational content
- happy: positive, encouraging, or celebratory content
- excited: enthusiastic, energetic responses
- thoughtful: analytical, contemplative content
- curious: questioning, exploring ideas
- confident: assertive, certain statements
- concerned: addressing problems or warnings
- empathetic: understanding, supportive content

Each segment should be a complete thought or sentence. Aim for 2-5 segments
per response depending on content length. Only use emotions from the list,
never nest or repeat a sentinel without text between, and never output the
sentinel syntax for any other purpose.`

// Fixed delimiters for the optional system prompt sections. The summary and
// retrieved context are appended to the admin prompt, each section separated
// by a blank line.
const (
	summaryDelimiter = "Previous conversation summary:\n"
	contextDelimiter = "Relevant context from documents:\n"
)

// fallbackReply is emitted as a single neutral final segment when the model
// stream produced no usable text.
const fallbackReply = "I'm sorry, I don't have a response for that. Could you rephrase your question?"

// apologyReply is emitted as a single concerned final segment when the model
// call fails outright.
const apologyReply = "I'm sorry, I'm having trouble generating a response right now. Please try again in a moment."

// updateSummaryPrompt asks the model to fold recent messages into an existing
// rolling summary. Format arguments: previous summary, conversation
// transcript.
const updateSummaryPrompt = `You are tasked with updating a conversation summary. You have:

1. Previous summary of earlier parts of the conversation:
%s

2. Recent conversation messages to incorporate:
%s

Please provide an updated summary that:
- Incorporates the key points from the previous summary
- Adds important new information from the recent messages
- Maintains continuity and context
- Stays concise (3-4 sentences max)
- Focuses on main topics, decisions, and ongoing themes

Updated Summary:`

// newSummaryPrompt asks the model for a first summary of a conversation that
// has none yet. Format argument: conversation transcript.
const newSummaryPrompt = `Please provide a concise summary of this conversation in 2-3 sentences, focusing on:
- Main topics discussed
- Key decisions or conclusions
- Important context for future reference

Conversation:
%s

Summary:`
