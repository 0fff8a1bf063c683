package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/koanrun/koan/internal/media"
	"github.com/koanrun/koan/pkg/models"
)

const (
	maxInlineImageBytes = 20 * 1024 * 1024 // provider upload limit
	maxInlineImages     = 5
	imageTagPrefix      = "[image: "
	audioTagPrefix      = "[audio: "
)

var imageTagMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func artifactsToAttachments(artifacts []Artifact) []models.Attachment {
	if len(artifacts) == 0 {
		return nil
	}
	attachments := make([]models.Attachment, 0, len(artifacts))
	for _, art := range artifacts {
		attType := "file"
		switch art.Type {
		case "screenshot", "image":
			attType = "image"
		case "recording", "video":
			attType = "video"
		case "audio":
			attType = "audio"
		default:
			if strings.HasPrefix(art.MimeType, "image/") {
				attType = "image"
			} else if strings.HasPrefix(art.MimeType, "video/") {
				attType = "video"
			} else if strings.HasPrefix(art.MimeType, "audio/") {
				attType = "audio"
			}
		}

		attachment := models.Attachment{
			ID:       art.ID,
			Type:     attType,
			Filename: art.Filename,
			MimeType: art.MimeType,
			Size:     int64(len(art.Data)),
			URL:      art.URL,
		}
		if attachment.URL == "" && len(art.Data) > 0 && art.MimeType != "" {
			attachment.URL = "data:" + art.MimeType + ";base64," + base64.StdEncoding.EncodeToString(art.Data)
		}
		attachments = append(attachments, attachment)
	}
	return attachments
}

// extractImageTags returns the file paths named by "[image: path]" tags in content.
func extractImageTags(content string) []string {
	return bracketedTagPaths(content, imageTagPrefix)
}

// stripImageTags removes "[image: path]" tags from content. Channels add these
// when an image is downloaded; once the image is base64-encoded into an
// attachment, the tag is redundant and would otherwise confuse the model into
// thinking the image wasn't received.
func stripImageTags(content string) string {
	return replaceBracketedTags(content, imageTagPrefix, "")
}

// transcribeAudioTags replaces "[audio: path]" tags with transcribed text when
// t is configured, or with a placeholder notice when it isn't.
func transcribeAudioTags(content string, t media.Transcriber) string {
	if !strings.Contains(content, audioTagPrefix) {
		return content
	}
	if t == nil {
		return replaceBracketedTags(content, audioTagPrefix, "[Voice message received, but transcription is not configured]")
	}

	var out strings.Builder
	remaining := content
	for {
		start := strings.Index(remaining, audioTagPrefix)
		if start < 0 {
			out.WriteString(remaining)
			break
		}
		out.WriteString(remaining[:start])
		afterTag := remaining[start+len(audioTagPrefix):]
		end := strings.IndexByte(afterTag, ']')
		if end < 0 {
			out.WriteString(remaining[start:])
			break
		}
		path := afterTag[:end]
		out.WriteString(transcribeOne(path, t))
		remaining = afterTag[end+1:]
	}
	return out.String()
}

func transcribeOne(path string, t media.Transcriber) string {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("open audio tag path failed", "path", path, "error", err)
		return "[Voice message: transcription failed]"
	}
	defer f.Close()

	mime := media.MIMEFromExtension(media.GetExtension(path))
	text, err := t.Transcribe(f, mime, "")
	if err != nil {
		slog.Warn("transcribe audio tag failed", "path", path, "error", err)
		return "[Voice message: transcription failed]"
	}
	if text == "" {
		return "[Voice message: transcription empty]"
	}
	return "[Voice message: \"" + text + "\"]"
}

// loadAndEncodeImages reads image files from disk and base64-encodes them as
// attachments for vision-capable models. Files that are missing, too large,
// have an unsupported extension, or whose leading bytes don't match the magic
// number for their claimed format are skipped rather than sent to the provider.
func loadAndEncodeImages(paths []string) []models.Attachment {
	if len(paths) > maxInlineImages {
		paths = paths[:maxInlineImages]
	}

	out := make([]models.Attachment, 0, len(paths))
	for _, path := range paths {
		ext := strings.ToLower(filepath.Ext(path))
		mime, ok := imageTagMIME[ext]
		if !ok {
			slog.Warn("unsupported image tag format", "path", path, "ext", ext)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("image tag file not found", "path", path, "error", err)
			continue
		}
		if len(data) > maxInlineImageBytes {
			slog.Warn("image tag file too large", "path", path, "size", len(data), "max", maxInlineImageBytes)
			continue
		}
		if !media.ValidMagicBytes(data, ext) {
			slog.Warn("image tag file has invalid magic bytes for claimed format", "path", path, "ext", ext)
			continue
		}

		out = append(out, models.Attachment{
			Type:     "image",
			Filename: filepath.Base(path),
			MimeType: mime,
			Size:     int64(len(data)),
			URL:      "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

// bracketedTagPaths returns the path segments of every "[prefix path]" tag in content.
func bracketedTagPaths(content, prefix string) []string {
	var paths []string
	remaining := content
	for {
		start := strings.Index(remaining, prefix)
		if start < 0 {
			break
		}
		afterTag := remaining[start+len(prefix):]
		end := strings.IndexByte(afterTag, ']')
		if end < 0 {
			break
		}
		paths = append(paths, afterTag[:end])
		remaining = afterTag[end+1:]
	}
	return paths
}

// replaceBracketedTags replaces every "[prefix path]" tag in content with replacement.
func replaceBracketedTags(content, prefix, replacement string) string {
	var out strings.Builder
	remaining := content
	for {
		start := strings.Index(remaining, prefix)
		if start < 0 {
			out.WriteString(remaining)
			break
		}
		out.WriteString(remaining[:start])
		afterTag := remaining[start+len(prefix):]
		end := strings.IndexByte(afterTag, ']')
		if end < 0 {
			out.WriteString(remaining[start:])
			break
		}
		out.WriteString(replacement)
		remaining = afterTag[end+1:]
	}
	return strings.TrimSpace(out.String())
}
