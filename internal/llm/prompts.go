package llm

// SummarySystemPrompt instructs the model to act as a meeting assistant.
const SummarySystemPrompt = `You are a professional meeting assistant that creates clear, structured meeting summaries.`

// SummaryPrompt asks for a JSON summary of the transcript. The markdown
// section layout is kept as an instruction so that models which ignore
// the JSON request still produce output parseSections can recover.
const SummaryPrompt = `Summarize this meeting transcript as a JSON object with exactly these keys:
{
  "key_points": "main topics and important points discussed",
  "decisions": "decisions that were made during the meeting",
  "action_items": ["specific tasks or action items that were assigned, including who is responsible if mentioned"],
  "follow_ups": "topics that need follow-up or future discussion"
}

If you cannot produce JSON, use markdown sections titled "## Key Points",
"## Decisions", "## Action Items" (as a bullet list) and "## Follow-ups".

Meeting Transcript:
`
