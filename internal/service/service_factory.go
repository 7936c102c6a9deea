package service

import (
	"go.uber.org/zap"

	"otp-notification-service/internal/bucketing"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/encryption"
	"otp-notification-service/internal/hashing"
	"otp-notification-service/internal/model"
)

// ServiceFactory wires the service layer from its repositories, caches,
// transports, and managers. Getters are lazy singletons.
type ServiceFactory struct {
	cfg *config.Config

	otpRepo       model.OTPRepository
	eventTypeRepo model.EventTypeRepository
	templateRepo  model.TemplateRepository
	roleRepo      model.RoleMappingRepository
	logRepo       model.NotificationLogRepository
	userRepo      model.UserRepository

	rateLimit     model.RateLimitCache
	templateCache model.TemplateCache

	emailSender model.EmailSender
	smsSender   model.SMSSender
	retryQueue  model.RetryQueue
	publisher   model.AuditPublisher
	indexer     LogIndexer

	hasher        *hashing.Hasher
	encryptionMgr *encryption.Manager
	bucketingMgr  *bucketing.Manager
	logger        *zap.Logger

	auditEmitter     *AuditEmitter
	eventTypeService *EventTypeService
	roleService      *RoleService
	templateService  *TemplateService
	dispatchService  *DispatchService
	otpService       *OTPService
}

type ServiceFactoryDeps struct {
	OTPRepo       model.OTPRepository
	EventTypeRepo model.EventTypeRepository
	TemplateRepo  model.TemplateRepository
	RoleRepo      model.RoleMappingRepository
	LogRepo       model.NotificationLogRepository
	UserRepo      model.UserRepository

	RateLimit     model.RateLimitCache
	TemplateCache model.TemplateCache

	EmailSender model.EmailSender
	SMSSender   model.SMSSender
	RetryQueue  model.RetryQueue
	Publisher   model.AuditPublisher
	Indexer     LogIndexer

	Hasher        *hashing.Hasher
	EncryptionMgr *encryption.Manager
	BucketingMgr  *bucketing.Manager
}

func NewServiceFactory(cfg *config.Config, deps ServiceFactoryDeps, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		cfg:           cfg,
		otpRepo:       deps.OTPRepo,
		eventTypeRepo: deps.EventTypeRepo,
		templateRepo:  deps.TemplateRepo,
		roleRepo:      deps.RoleRepo,
		logRepo:       deps.LogRepo,
		userRepo:      deps.UserRepo,
		rateLimit:     deps.RateLimit,
		templateCache: deps.TemplateCache,
		emailSender:   deps.EmailSender,
		smsSender:     deps.SMSSender,
		retryQueue:    deps.RetryQueue,
		publisher:     deps.Publisher,
		indexer:       deps.Indexer,
		hasher:        deps.Hasher,
		encryptionMgr: deps.EncryptionMgr,
		bucketingMgr:  deps.BucketingMgr,
		logger:        logger,
	}
}

func (f *ServiceFactory) AuditEmitter() *AuditEmitter {
	if f.auditEmitter == nil {
		f.auditEmitter = NewAuditEmitter(f.publisher)
	}
	return f.auditEmitter
}

func (f *ServiceFactory) EventTypeService() *EventTypeService {
	if f.eventTypeService == nil {
		f.eventTypeService = NewEventTypeService(f.eventTypeRepo, f.AuditEmitter())
	}
	return f.eventTypeService
}

func (f *ServiceFactory) RoleService() *RoleService {
	if f.roleService == nil {
		f.roleService = NewRoleService(f.roleRepo)
	}
	return f.roleService
}

func (f *ServiceFactory) TemplateService() *TemplateService {
	if f.templateService == nil {
		f.templateService = NewTemplateService(f.templateRepo, f.templateCache, f.AuditEmitter())
	}
	return f.templateService
}

func (f *ServiceFactory) DispatchService() *DispatchService {
	if f.dispatchService == nil {
		f.dispatchService = NewDispatchService(
			f.cfg,
			f.emailSender,
			f.smsSender,
			f.userRepo,
			f.TemplateService(),
			f.EventTypeService(),
			f.rateLimit,
			f.retryQueue,
			f.logRepo,
			f.indexer,
			f.encryptionMgr,
			f.bucketingMgr,
			f.AuditEmitter(),
		)
	}
	return f.dispatchService
}

func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.cfg,
			f.otpRepo,
			f.userRepo,
			f.RoleService(),
			f.EventTypeService(),
			f.TemplateService(),
			f.DispatchService(),
			f.rateLimit,
			f.hasher,
			f.bucketingMgr,
			f.AuditEmitter(),
		)
	}
	return f.otpService
}
