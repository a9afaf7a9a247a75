package llm

import (
	"fmt"
	"strings"
	"time"
)

func currentDate(now time.Time) string {
	return now.Format("January 2, 2006")
}

func queryWriterPrompt(now time.Time, count int) string {
	return fmt.Sprintf(`Your goal is to generate sophisticated and diverse search queries for an automated research tool that searches the web and an academic paper index.

Instructions:
- Generate exactly %d search queries.
- Each query should focus on one specific aspect of the research topic.
- Do not produce queries that are similar to each other.
- Prefer queries that surface the most recent information. The current date is %s.

Respond with JSON only, in this format:
{"rationale": "<why these queries cover the topic>", "query": ["<query 1>", "<query 2>"]}`, count, currentDate(now))
}

func reflectionPrompt(now time.Time) string {
	return fmt.Sprintf(`You are an expert research assistant analyzing summaries about a research topic.

Instructions:
- Identify knowledge gaps or areas that need deeper exploration and generate follow-up queries.
- If the provided summaries are sufficient to answer the user's question, do not generate follow-up queries.
- If there is a knowledge gap, generate follow-up queries that would help expand understanding.
- Follow-up queries must be self-contained and include the context needed for a web search.
- The current date is %s.

Respond with JSON only, in this format:
{"is_sufficient": true|false, "knowledge_gap": "<what is missing, empty if sufficient>", "follow_up_queries": ["<query>"]}`, currentDate(now))
}

func answerPrompt(now time.Time) string {
	return fmt.Sprintf(`Generate a high-quality answer to the user's question based on the provided summaries.

Instructions:
- The current date is %s.
- Use only the information in the summaries.
- Cite every statement with the [n] marker of the source it came from, exactly as it appears in the summaries.
- Do not invent sources or markers and do not add a reference list; it is appended automatically.`, currentDate(now))
}

// formatSummaries joins research summaries the same way for reflection and
// answer prompts.
func formatSummaries(summaries []string, sep string) string {
	if len(summaries) == 0 {
		return "(no evidence was found)"
	}
	return strings.Join(summaries, sep)
}

// formatSourceList renders the citation list offered to the answer model.
func formatSourceList(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nAvailable Sources for Citation:\n")
	for _, s := range sources {
		desc := s.Label
		if desc == "" {
			desc = s.Locator
		}
		if s.Academic {
			fmt.Fprintf(&b, "[%d] Knowledge Base Document: %s\n", s.Number, desc)
		} else {
			fmt.Fprintf(&b, "[%d] Web Source: %s\n", s.Number, desc)
		}
	}
	b.WriteString("\nPlease use [n] notation to cite sources in your response.\n")
	return b.String()
}
