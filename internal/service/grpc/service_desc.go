package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "payments.v1.PaymentService"

const (
	MethodRequestPayment  = "/" + ServiceName + "/RequestPayment"
	MethodCompletePayment = "/" + ServiceName + "/CompletePayment"
	MethodChargePayment   = "/" + ServiceName + "/ChargePayment"
	MethodRefundPayment   = "/" + ServiceName + "/RefundPayment"
	MethodGetPayment      = "/" + ServiceName + "/GetPayment"
)

// PaymentServiceServer — серверная сторона payments.v1.PaymentService.
type PaymentServiceServer interface {
	RequestPayment(context.Context, *RequestPaymentRequest) (*RequestPaymentResponse, error)
	CompletePayment(context.Context, *CompletePaymentRequest) (*CompletePaymentResponse, error)
	ChargePayment(context.Context, *ChargePaymentRequest) (*CompletePaymentResponse, error)
	RefundPayment(context.Context, *RefundPaymentRequest) (*RefundPaymentResponse, error)
	GetPayment(context.Context, *GetPaymentRequest) (*GetPaymentResponse, error)
}

// PaymentServiceDesc описывает сервис для grpc.Server. Сообщения передаются
// кодеком CodecName, поэтому клиент обязан выставить content-subtype json.
var PaymentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PaymentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestPayment", Handler: unaryHandler(MethodRequestPayment, PaymentServiceServer.RequestPayment)},
		{MethodName: "CompletePayment", Handler: unaryHandler(MethodCompletePayment, PaymentServiceServer.CompletePayment)},
		{MethodName: "ChargePayment", Handler: unaryHandler(MethodChargePayment, PaymentServiceServer.ChargePayment)},
		{MethodName: "RefundPayment", Handler: unaryHandler(MethodRefundPayment, PaymentServiceServer.RefundPayment)},
		{MethodName: "GetPayment", Handler: unaryHandler(MethodGetPayment, PaymentServiceServer.GetPayment)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payments/v1/payment_service",
}

// RegisterPaymentServiceServer регистрирует реализацию на сервере.
func RegisterPaymentServiceServer(s grpc.ServiceRegistrar, srv PaymentServiceServer) {
	s.RegisterService(&PaymentServiceDesc, srv)
}

func unaryHandler[Req, Resp any](
	fullMethod string,
	call func(PaymentServiceServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(PaymentServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*Req))
		})
	}
}

// PaymentServiceClient — клиент payments.v1.PaymentService.
type PaymentServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPaymentServiceClient создаёт клиента поверх соединения.
func NewPaymentServiceClient(cc grpc.ClientConnInterface) *PaymentServiceClient {
	return &PaymentServiceClient{cc: cc}
}

func (c *PaymentServiceClient) RequestPayment(ctx context.Context, in *RequestPaymentRequest, opts ...grpc.CallOption) (*RequestPaymentResponse, error) {
	return invoke[RequestPaymentResponse](ctx, c.cc, MethodRequestPayment, in, opts)
}

func (c *PaymentServiceClient) CompletePayment(ctx context.Context, in *CompletePaymentRequest, opts ...grpc.CallOption) (*CompletePaymentResponse, error) {
	return invoke[CompletePaymentResponse](ctx, c.cc, MethodCompletePayment, in, opts)
}

func (c *PaymentServiceClient) ChargePayment(ctx context.Context, in *ChargePaymentRequest, opts ...grpc.CallOption) (*CompletePaymentResponse, error) {
	return invoke[CompletePaymentResponse](ctx, c.cc, MethodChargePayment, in, opts)
}

// RefundPayment требует metadata idempotency-key, если сервер хранит ключи идемпотентности.
func (c *PaymentServiceClient) RefundPayment(ctx context.Context, in *RefundPaymentRequest, opts ...grpc.CallOption) (*RefundPaymentResponse, error) {
	return invoke[RefundPaymentResponse](ctx, c.cc, MethodRefundPayment, in, opts)
}

func (c *PaymentServiceClient) GetPayment(ctx context.Context, in *GetPaymentRequest, opts ...grpc.CallOption) (*GetPaymentResponse, error) {
	return invoke[GetPaymentResponse](ctx, c.cc, MethodGetPayment, in, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}
