package speechkit

// Audio encodings accepted by the recognizer.
const (
	EncodingLPCM     = "LINEAR16_PCM"
	EncodingOggOpus  = "OGG_OPUS"
	syncFormatLPCM   = "lpcm"
	syncFormatOpus   = "oggopus"
	SyncMaxBytes     = 1 << 20
	defaultModel     = "general"
	defaultLanguage  = "en-US"
	defaultPCMRateHz = 16000
)

// RecognitionRequest represents request to start recognition
type RecognitionRequest struct {
	Config RecognitionConfig `json:"config"`
	Audio  AudioSource       `json:"audio"`
}

// RecognitionConfig holds recognition parameters
type RecognitionConfig struct {
	Specification Specification `json:"specification"`
}

// Specification defines audio and recognition parameters
type Specification struct {
	LanguageCode      string `json:"languageCode"`
	Model             string `json:"model"`
	AudioEncoding     string `json:"audioEncoding"`
	SampleRateHertz   int    `json:"sampleRateHertz,omitempty"`
	AudioChannelCount int    `json:"audioChannelCount"`
	ProfanityFilter   bool   `json:"profanityFilter"`
	LiteratureText    bool   `json:"literatureText"`
}

// AudioSource specifies location of audio file
type AudioSource struct {
	URI string `json:"uri"`
}

// OperationResponse represents Yandex Cloud operation response
type OperationResponse struct {
	ID         string             `json:"id"`
	Done       bool               `json:"done"`
	CreatedAt  string             `json:"createdAt"`
	ModifiedAt string             `json:"modifiedAt"`
	Response   *RecognitionResult `json:"response,omitempty"`
	Error      *OperationError    `json:"error,omitempty"`
}

// OperationError represents error in operation
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RecognitionResult represents final recognition result
type RecognitionResult struct {
	Chunks []Chunk `json:"chunks"`
}

// Chunk represents one chunk of recognized text
type Chunk struct {
	Alternatives []Alternative `json:"alternatives"`
	ChannelTag   string        `json:"channelTag,omitempty"`
}

// Alternative represents one recognition variant
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type syncResponse struct {
	Result       string `json:"result"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
