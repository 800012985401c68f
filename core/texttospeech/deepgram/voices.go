package deepgram

import (
	"fmt"
	"slices"
)

type deepgramVoice string

const defaultVoice = VoiceAsteria

const (
	VoiceAsteria deepgramVoice = "aura-asteria-en"
	VoiceLuna    deepgramVoice = "aura-luna-en"
	VoiceStella  deepgramVoice = "aura-stella-en"
	VoiceAthena  deepgramVoice = "aura-athena-en"
	VoiceHera    deepgramVoice = "aura-hera-en"
	VoiceOrion   deepgramVoice = "aura-orion-en"
	VoiceArcas   deepgramVoice = "aura-arcas-en"
	VoicePerseus deepgramVoice = "aura-perseus-en"
	VoiceAngus   deepgramVoice = "aura-angus-en"
	VoiceOrpheus deepgramVoice = "aura-orpheus-en"
	VoiceHelios  deepgramVoice = "aura-helios-en"
	VoiceZeus    deepgramVoice = "aura-zeus-en"
)

func GetAvailableVoices() []deepgramVoice {
	return []deepgramVoice{
		VoiceAsteria, VoiceLuna, VoiceStella, VoiceAthena, VoiceHera, VoiceOrion,
		VoiceArcas, VoicePerseus, VoiceAngus, VoiceOrpheus, VoiceHelios, VoiceZeus,
	}
}

// ParseVoice looks up a voice by its model name, e.g. "aura-luna-en". An
// empty name selects the default voice.
func ParseVoice(name string) (deepgramVoice, error) {
	if name == "" {
		return defaultVoice, nil
	}
	voice := deepgramVoice(name)
	if !slices.Contains(GetAvailableVoices(), voice) {
		return "", fmt.Errorf("invalid voice %q", name)
	}
	return voice, nil
}
