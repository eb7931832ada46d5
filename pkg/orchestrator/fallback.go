package orchestrator

import "strings"

// Fallback target identifiers used when no ResponsibilityRouter is
// configured, matching the capability tags in the glossary (llm, stt, …).
const (
	TargetLLMVision  = "llm-vision"
	TargetSpeechText = "speech-to-text"
	TargetLLM        = "llm"
)

// fallbackTarget applies the keyword/input-type heuristic of spec §4.13
// step 3: image/video input routes to the vision-capable LLM path, audio
// input or an explicit "transcribe" keyword routes to speech-to-text,
// everything else routes to the plain LLM path.
func fallbackTarget(req UserRequest) string {
	switch req.InputType {
	case "image", "video":
		return TargetLLMVision
	case "audio":
		return TargetSpeechText
	}
	if strings.Contains(strings.ToLower(req.Input), "transcribe") {
		return TargetSpeechText
	}
	return TargetLLM
}
