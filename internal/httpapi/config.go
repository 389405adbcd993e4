package httpapi

import (
	"net/http"

	"github.com/kestrelrelay/relayd/internal/config"
)

func (gw *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, gw.cfgStore.Get())
}

// configPatch mirrors config.Config but with pointer fields so a partial
// JSON body only overrides the fields actually present.
type configPatch struct {
	STTModel     *string            `json:"stt_model,omitempty"`
	STTLanguage  *string            `json:"stt_language,omitempty"`
	STTOptions   map[string]string  `json:"stt_options,omitempty"`
	ResponseMode *string            `json:"response_mode,omitempty"`
	TTSVoice     *string            `json:"tts_voice,omitempty"`
	TTSMaxChars  *int               `json:"tts_max_chars,omitempty"`
}

func (gw *Gateway) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch configPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request")
		return
	}

	updated := gw.cfgStore.Patch(func(c config.Config) config.Config {
		if patch.STTModel != nil {
			c.STTModel = *patch.STTModel
		}
		if patch.STTLanguage != nil {
			c.STTLanguage = *patch.STTLanguage
		}
		if patch.STTOptions != nil {
			c.STTOptions = patch.STTOptions
		}
		if patch.ResponseMode != nil {
			c.ResponseMode = config.ResponseMode(*patch.ResponseMode)
		}
		if patch.TTSVoice != nil {
			c.TTSVoice = *patch.TTSVoice
		}
		if patch.TTSMaxChars != nil {
			c.TTSMaxChars = *patch.TTSMaxChars
		}
		return c
	})

	respondJSON(w, http.StatusOK, updated)
}
