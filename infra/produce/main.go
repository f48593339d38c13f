package produce

import amqp "github.com/rabbitmq/amqp091-go"

type Produce struct {
	UploadService *UploadProduceService
}

var produceInstance *Produce

func InitProduce(channel *amqp.Channel) *Produce {
	if produceInstance != nil {
		return produceInstance
	}

	uploadService := InitUploadProduceService(channel)
	if uploadService == nil {
		panic("Failed to initialize Upload produce service")
	}

	produceInstance = &Produce{
		UploadService: uploadService,
	}

	return produceInstance
}

func GetProduce() *Produce {
	if produceInstance == nil {
		panic("Produce not initialized. Call InitProduce() first.")
	}
	return produceInstance
}
