package transport

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/config"
)

// New builds the Radio selected by cfg.Radio.Kind. The sim radio is seeded
// with two pedestals so mock mode has something to show.
func New(cfg *config.Config, log *zap.Logger) (Radio, error) {
	log = log.Named("radio").With(zap.String("kind", cfg.Radio.Kind))
	switch cfg.Radio.Kind {
	case config.RadioBlueZ:
		return NewBlueZRadio(BlueZConfig{
			Adapter:     cfg.Radio.Adapter,
			ServiceUUID: cfg.Hub.ServiceUUID,
			RxUUID:      cfg.Hub.RxUUID,
			TxUUID:      cfg.Hub.TxUUID,
			ChunkSize:   cfg.Radio.ChunkSize,
		}, log), nil
	case config.RadioSerial:
		return NewSerialRadio(cfg.Radio.Port, cfg.Hub.Name, cfg.Radio.Baud, log), nil
	case config.RadioTCP:
		return NewTCPRadio(cfg.Radio.Addr, cfg.Hub.Name, log), nil
	case config.RadioSim:
		sim := NewSimRadio(cfg.Hub.Name, log)
		sim.SetPedestal("00", "ab1234")
		sim.SetPedestal("01", "a2bdf1")
		return sim, nil
	default:
		return nil, fmt.Errorf("transport: unknown radio kind %q", cfg.Radio.Kind)
	}
}
