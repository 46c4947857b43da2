package config

const (
	defaultDataDir                = "~/.local/share/diarist"
	defaultLogDir                 = "~/.local/share/diarist/logs"
	defaultObjectRoot             = "~/.local/share/diarist/media"
	defaultLockDir                = "~/.local/share/diarist/locks"
	defaultSocketPath             = "~/.local/share/diarist/diarist.sock"
	defaultWorkerCount            = 2
	defaultPollInterval           = 5
	defaultHeartbeatInterval      = 15
	defaultWakeBuffer             = 64
	defaultTranscribeProcessing   = 7200
	defaultTranscribeQueue        = 1800
	defaultSummarizeProcessing    = 1800
	defaultSummarizeQueue         = 1800
	defaultMatchProcessing        = 600
	defaultMatchQueue             = 1800
	defaultScanInterval           = 1800
	defaultMaxRetries             = 3
	defaultOrphanGrace            = 86400
	defaultRedispatchPerSecond    = 5
	defaultRedispatchBurst        = 10
	defaultHungFactor             = 3
	defaultLowThreshold           = 0.70
	defaultHighThreshold          = 0.85
	defaultSubscriberBuffer       = 32
	defaultSinkBuffer             = 256
	defaultNotifyMaxAttempts      = 4
	defaultNotifyInitialBackoffMS = 250
	defaultNotifyMaxBackoffMS     = 5000
	defaultNtfyRequestTimeout     = 10
	defaultKafkaTopic             = "diarist.job-events"
	defaultInferenceBaseURL       = "http://127.0.0.1:9000"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			ObjectRoot: defaultObjectRoot,
			LockDir:    defaultLockDir,
			SocketPath: defaultSocketPath,
		},
		Workers: Workers{
			Count:             defaultWorkerCount,
			PollInterval:      defaultPollInterval,
			HeartbeatInterval: defaultHeartbeatInterval,
			WakeBuffer:        defaultWakeBuffer,
		},
		Timeouts: Timeouts{
			Transcribe: KindTimeout{Processing: defaultTranscribeProcessing, Queue: defaultTranscribeQueue},
			Summarize:  KindTimeout{Processing: defaultSummarizeProcessing, Queue: defaultSummarizeQueue},
			Match:      KindTimeout{Processing: defaultMatchProcessing, Queue: defaultMatchQueue},
		},
		Recovery: Recovery{
			ScanInterval:        defaultScanInterval,
			MaxRetries:          defaultMaxRetries,
			OrphanGrace:         defaultOrphanGrace,
			RedispatchPerSecond: defaultRedispatchPerSecond,
			RedispatchBurst:     defaultRedispatchBurst,
			HungFactor:          defaultHungFactor,
		},
		Identity: Identity{
			Enabled:       true,
			LowThreshold:  defaultLowThreshold,
			HighThreshold: defaultHighThreshold,
		},
		Notifications: Notifications{
			SubscriberBuffer:   defaultSubscriberBuffer,
			SinkBuffer:         defaultSinkBuffer,
			MaxAttempts:        defaultNotifyMaxAttempts,
			InitialBackoffMS:   defaultNotifyInitialBackoffMS,
			MaxBackoffMS:       defaultNotifyMaxBackoffMS,
			NtfyRequestTimeout: defaultNtfyRequestTimeout,
			KafkaTopic:         defaultKafkaTopic,
		},
		Inference: Inference{
			BaseURL: defaultInferenceBaseURL,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
