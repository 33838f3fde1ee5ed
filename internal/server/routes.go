package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", wrapPromHandler())

	v1 := s.router.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.GET("", s.handleListAgents)
			agents.GET("/:id/state", s.handleAgentState)
			agents.POST("/:id/message", s.handleAgentMessage)
			agents.GET("/:id/poll", s.handleAgentPoll)
			agents.POST("/:id/subscribe", s.handleAgentSubscribe)
			agents.POST("/:id/unsubscribe", s.handleAgentUnsubscribe)
		}

		sw := v1.Group("/swarm")
		{
			sw.GET("/queue", s.handleQueueState)
			sw.GET("/subscriptions", s.handleSubscriptions)
			sw.POST("/dispatch", s.handleDispatch)
			sw.POST("/recovery/requeue-dead-letter", s.handleRequeueDeadLetter)
		}

		orders := v1.Group("/orders")
		{
			orders.POST("", s.handlePlaceOrder)
			orders.GET("/:key", s.handleGetOrder)
		}

		v1.GET("/trades", s.handleListTrades)

		approvals := v1.Group("/approvals")
		{
			approvals.POST("", s.handleCreateApproval)
			approvals.POST("/validate", s.handleValidateApproval)
		}

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", s.handleListAlertEvents)
			alerts.POST("/:id/ack", s.handleAckAlertEvent)
		}
	}
}

func wrapPromHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
