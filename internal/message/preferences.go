package message

// Preferences holds the user settings that parameterize every request.
// JSON names match the ones the preference service stores.
type Preferences struct {
	STT STTPreferences `json:"stt"`
	NLU NLUPreferences `json:"nlu"`
	TTS TTSPreferences `json:"tts"`
	UI  UIPreferences  `json:"ui"`
}

// STTPreferences selects the speech-to-text engine.
type STTPreferences struct {
	Engine   string `json:"engine"`
	Language string `json:"language"`
}

// NLUPreferences selects the intent engine and its confidence threshold.
type NLUPreferences struct {
	Engine              string `json:"engine"`
	ConfidenceThreshold int    `json:"confidence_threshold"`
}

// TTSPreferences controls spoken feedback.
type TTSPreferences struct {
	Enabled bool   `json:"enabled"`
	Engine  string `json:"engine"`
}

// UIPreferences holds display options.
type UIPreferences struct {
	Theme        string `json:"theme"`
	ShowFeedback bool   `json:"showFeedback"`
}

// DefaultPreferences returns the settings used when neither the local cache
// nor the remote store can provide any.
func DefaultPreferences() Preferences {
	return Preferences{
		STT: STTPreferences{Engine: "dolphin", Language: "zh-CN"},
		NLU: NLUPreferences{Engine: "fine_tuned_bert", ConfidenceThreshold: 300},
		TTS: TTSPreferences{Enabled: true, Engine: "pyttsx3"},
		UI:  UIPreferences{Theme: "light", ShowFeedback: true},
	}
}

// PreferencesPatch is a partial update. Nil fields are left untouched.
type PreferencesPatch struct {
	STT *STTPatch `json:"stt,omitempty"`
	NLU *NLUPatch `json:"nlu,omitempty"`
	TTS *TTSPatch `json:"tts,omitempty"`
	UI  *UIPatch  `json:"ui,omitempty"`
}

// STTPatch is the partial form of STTPreferences.
type STTPatch struct {
	Engine   *string `json:"engine,omitempty"`
	Language *string `json:"language,omitempty"`
}

// NLUPatch is the partial form of NLUPreferences.
type NLUPatch struct {
	Engine              *string `json:"engine,omitempty"`
	ConfidenceThreshold *int    `json:"confidence_threshold,omitempty"`
}

// TTSPatch is the partial form of TTSPreferences.
type TTSPatch struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Engine  *string `json:"engine,omitempty"`
}

// UIPatch is the partial form of UIPreferences.
type UIPatch struct {
	Theme        *string `json:"theme,omitempty"`
	ShowFeedback *bool   `json:"showFeedback,omitempty"`
}

// Apply returns p with every non-nil field of the patch written over it.
func (patch PreferencesPatch) Apply(p Preferences) Preferences {
	if s := patch.STT; s != nil {
		setString(&p.STT.Engine, s.Engine)
		setString(&p.STT.Language, s.Language)
	}
	if n := patch.NLU; n != nil {
		setString(&p.NLU.Engine, n.Engine)
		if n.ConfidenceThreshold != nil {
			p.NLU.ConfidenceThreshold = *n.ConfidenceThreshold
		}
	}
	if t := patch.TTS; t != nil {
		if t.Enabled != nil {
			p.TTS.Enabled = *t.Enabled
		}
		setString(&p.TTS.Engine, t.Engine)
	}
	if u := patch.UI; u != nil {
		setString(&p.UI.Theme, u.Theme)
		if u.ShowFeedback != nil {
			p.UI.ShowFeedback = *u.ShowFeedback
		}
	}
	return p
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
