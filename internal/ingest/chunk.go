package ingest

import "strings"

// defaultChunkSize is the target chunk length in bytes. Chunks end at
// structural boundaries where possible, so actual sizes vary around it.
const defaultChunkSize = 2000

// Chunk splits content into pieces of roughly maxSize bytes, preferring
// to break at blank lines, then line ends, and hard-splitting only when
// a single line exceeds the budget. Empty chunks are dropped.
func Chunk(content string, maxSize int) []string {
	if maxSize <= 0 {
		maxSize = defaultChunkSize
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	var buf strings.Builder

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			chunks = append(chunks, s)
		}
		buf.Reset()
	}

	for _, block := range splitBlocks(content, maxSize) {
		if buf.Len() > 0 && buf.Len()+len(block)+2 > maxSize {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(block)
	}
	flush()
	return chunks
}

// splitBlocks cuts content at blank lines; blocks still over budget are
// cut at line ends, and pathological single lines are hard-split.
func splitBlocks(content string, maxSize int) []string {
	var out []string
	for _, block := range strings.Split(content, "\n\n") {
		if len(block) <= maxSize {
			out = append(out, block)
			continue
		}
		var buf strings.Builder
		for _, line := range strings.Split(block, "\n") {
			for len(line) > maxSize {
				out = append(out, line[:maxSize])
				line = line[maxSize:]
			}
			if buf.Len() > 0 && buf.Len()+len(line)+1 > maxSize {
				out = append(out, buf.String())
				buf.Reset()
			}
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(line)
		}
		if buf.Len() > 0 {
			out = append(out, buf.String())
		}
	}
	return out
}
